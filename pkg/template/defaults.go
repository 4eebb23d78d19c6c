package template

// Built-in mapping templates used when a route does not declare its own.
const (
	// DefaultRequest wraps the request body in the workflow input envelope
	// {"actionType": ..., "body": ...} and targets the route's state machine.
	DefaultRequest = `{
  "input": "{\"actionType\": \"$util.escapeJavaScript($util.escapeJavaScript($stageVariables.actionType))\", \"body\": $util.escapeJavaScript($input.json('$'))}",
  "stateMachineArn": "$util.escapeJavaScript($stageVariables.stateMachineArn)"
}`

	// DefaultSuccess answers with the correlation id and the workflow output.
	// $output arrives already escaped.
	DefaultSuccess = `{
  "id": "$util.escapeJavaScript($id)",
  "output": "$output"
}`

	// DefaultFailure surfaces the workflow's error and cause.
	DefaultFailure = `{
  "error": "$util.escapeJavaScript($error)",
  "cause": "$util.escapeJavaScript($cause)"
}`
)
