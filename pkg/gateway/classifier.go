package gateway

import (
	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/template"
)

// Classification is the response decided for an execution result. Nothing
// after classification changes Status.
type Classification struct {
	Status   int
	Template *template.Template
	Context  template.Context
	// Failure is set when the workflow ran and did not succeed.
	Failure *domain.WorkflowFailure
}

// Classifier maps execution results onto a route's declared responses.
type Classifier struct {
	SuccessStatus   int
	FailureStatus   int
	SuccessTemplate *template.Template
	FailureTemplate *template.Template
}

// Classify selects the status, template and template context for result.
// Any status other than SUCCEEDED is a workflow failure.
func (c Classifier) Classify(result domain.ExecutionResult, requestID string) Classification {
	input := resultInput(result)

	if failure := result.Failure(); failure != nil {
		return Classification{
			Status:   c.FailureStatus,
			Template: c.FailureTemplate,
			Context: template.Context{
				Input: input,
				Vars: map[string]any{
					"error":  result.Error,
					"cause":  result.Cause,
					"status": string(result.Status),
				},
			},
			Failure: failure,
		}
	}

	return Classification{
		Status:   c.SuccessStatus,
		Template: c.SuccessTemplate,
		Context: template.Context{
			Input: input,
			Vars: map[string]any{
				"id":     requestID,
				"output": template.EscapeJavaScript(result.Output),
				"status": string(result.Status),
			},
		},
	}
}

// resultInput exposes the whole execution result as $input, so custom
// response templates can reach executionArn or the raw output.
func resultInput(result domain.ExecutionResult) *template.Input {
	in, err := template.DocumentInput(result)
	if err != nil {
		return nil
	}
	return in
}
