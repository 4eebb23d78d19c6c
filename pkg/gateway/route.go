// Package gateway serves the synchronous HTTP bridge: it renders a
// workflow invocation from each request, waits for the execution and maps
// the result back to an HTTP response.
package gateway

import (
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/template"
)

// Route defaults.
const (
	DefaultPath          = "/create"
	DefaultActionType    = "create"
	DefaultSuccessStatus = http.StatusCreated
	DefaultFailureStatus = http.StatusInternalServerError
	DefaultMaxBodyBytes  = 1 << 20
	defaultContentType   = "application/json"
	stageVarActionType   = "actionType"
	stageVarStateMachine = "stateMachineArn"
)

// Route binds one path to a state machine and its mapping templates.
type Route struct {
	Name   string
	Path   string
	Method string
	// Passthrough admits any content type. When false, content types outside
	// ContentTypes are rejected with 415.
	Passthrough bool
	// RequireBody rejects absent or non-JSON bodies with 400 and makes the
	// request template fail on a missing $input.
	RequireBody bool
	// ContentTypes are the media types accepted when Passthrough is false.
	ContentTypes   []string
	MaxBodyBytes   int64
	StageVariables map[string]string

	RequestTemplate *template.Template
	Classifier

	// segments is the split route path when it declares {name} parameters.
	segments []string
}

// RouteSpec is the uncompiled form of a Route.
type RouteSpec struct {
	Name            string
	Path            string
	Method          string
	StateMachineArn string
	ActionType      string
	Passthrough     bool
	RequireBody     bool
	ContentTypes    []string
	MaxBodyBytes    int64
	SuccessStatus   int
	FailureStatus   int
	StageVariables  map[string]string
	RequestTemplate string
	SuccessTemplate string
	FailureTemplate string
}

// DefaultRouteSpec is POST /create with the built-in templates.
func DefaultRouteSpec(stateMachineArn string) RouteSpec {
	return RouteSpec{
		Name:            "create",
		Path:            DefaultPath,
		Method:          http.MethodPost,
		StateMachineArn: stateMachineArn,
		ActionType:      DefaultActionType,
	}
}

// NewRoute validates spec, applies defaults and compiles its templates.
func NewRoute(spec RouteSpec) (*Route, error) {
	path := strings.TrimSpace(spec.Path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: route path %q must start with /", domain.ErrConfigInvalid, path)
	}
	name := spec.Name
	if name == "" {
		name = strings.Trim(path, "/")
	}
	segments, err := pathSegments(path)
	if err != nil {
		return nil, fmt.Errorf("%w: route %s: %v", domain.ErrConfigInvalid, name, err)
	}
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodPost
	}
	if method == http.MethodOptions {
		return nil, fmt.Errorf("%w: route %s: OPTIONS is reserved for CORS preflight", domain.ErrConfigInvalid, name)
	}

	successStatus := spec.SuccessStatus
	if successStatus == 0 {
		successStatus = DefaultSuccessStatus
	}
	failureStatus := spec.FailureStatus
	if failureStatus == 0 {
		failureStatus = DefaultFailureStatus
	}
	for _, code := range []int{successStatus, failureStatus} {
		if code < 200 || code > 599 {
			return nil, fmt.Errorf("%w: route %s: invalid status code %d", domain.ErrConfigInvalid, name, code)
		}
	}

	maxBody := spec.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	contentTypes := make([]string, 0, len(spec.ContentTypes))
	for _, ct := range spec.ContentTypes {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: route %s: content type %q: %v", domain.ErrConfigInvalid, name, ct, err)
		}
		contentTypes = append(contentTypes, mediaType)
	}
	if len(contentTypes) == 0 {
		contentTypes = []string{defaultContentType}
	}

	stageVars := make(map[string]string, len(spec.StageVariables)+2)
	for k, v := range spec.StageVariables {
		stageVars[k] = v
	}
	if spec.StateMachineArn != "" {
		stageVars[stageVarStateMachine] = spec.StateMachineArn
	}
	if spec.ActionType != "" {
		stageVars[stageVarActionType] = spec.ActionType
	} else if _, ok := stageVars[stageVarActionType]; !ok {
		stageVars[stageVarActionType] = DefaultActionType
	}
	if stageVars[stageVarStateMachine] == "" {
		return nil, fmt.Errorf("%w: route %s: state machine ARN is required", domain.ErrConfigInvalid, name)
	}

	requestTmpl, err := compileOr(name+".request", spec.RequestTemplate, defaultRequestTemplate)
	if err != nil {
		return nil, err
	}
	successTmpl, err := compileOr(name+".success", spec.SuccessTemplate, defaultSuccessTemplate)
	if err != nil {
		return nil, err
	}
	failureTmpl, err := compileOr(name+".failure", spec.FailureTemplate, defaultFailureTemplate)
	if err != nil {
		return nil, err
	}

	return &Route{
		Name:            name,
		Path:            path,
		Method:          method,
		Passthrough:     spec.Passthrough,
		RequireBody:     spec.RequireBody,
		ContentTypes:    contentTypes,
		MaxBodyBytes:    maxBody,
		StageVariables:  stageVars,
		RequestTemplate: requestTmpl,
		Classifier: Classifier{
			SuccessStatus:   successStatus,
			FailureStatus:   failureStatus,
			SuccessTemplate: successTmpl,
			FailureTemplate: failureTmpl,
		},
		segments: segments,
	}, nil
}

// Built-in mapping templates, shared by every route that does not override them.
var (
	defaultRequestTemplate = template.MustCompile("default.request", template.DefaultRequest)
	defaultSuccessTemplate = template.MustCompile("default.success", template.DefaultSuccess)
	defaultFailureTemplate = template.MustCompile("default.failure", template.DefaultFailure)
)

func compileOr(name, src string, fallback *template.Template) (*template.Template, error) {
	if strings.TrimSpace(src) == "" {
		return fallback, nil
	}
	t, err := template.Compile(name, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return t, nil
}

// pathSegments splits a route path declaring {name} parameters. It returns
// nil for a literal path.
func pathSegments(path string) ([]string, error) {
	if !strings.ContainsAny(path, "{}") {
		return nil, nil
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	seen := make(map[string]bool)
	for _, seg := range segments {
		if !strings.ContainsAny(seg, "{}") {
			continue
		}
		param, ok := paramName(seg)
		if !ok {
			return nil, fmt.Errorf("path segment %q must be a literal or {name}", seg)
		}
		if seen[param] {
			return nil, fmt.Errorf("path parameter %q declared twice", param)
		}
		seen[param] = true
	}
	return segments, nil
}

func paramName(seg string) (string, bool) {
	if len(seg) < 3 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", false
	}
	name := seg[1 : len(seg)-1]
	if strings.ContainsAny(name, "{}") {
		return "", false
	}
	return name, true
}

// bind matches path against a parameterised route and returns the bound
// parameters. Parameter values never span a slash and are never empty.
func (r *Route) bind(path string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != len(r.segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range r.segments {
		if name, ok := paramName(seg); ok {
			if parts[i] == "" {
				return nil, false
			}
			params[name] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

func (r *Route) literals() int {
	n := 0
	for _, seg := range r.segments {
		if _, ok := paramName(seg); !ok {
			n++
		}
	}
	return n
}

// accepts reports whether the Content-Type header names an accepted media
// type. An absent header is treated as application/json.
func (r *Route) accepts(header string) bool {
	if strings.TrimSpace(header) == "" {
		header = defaultContentType
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	for _, ct := range r.ContentTypes {
		if ct == mediaType || ct == "*/*" {
			return true
		}
	}
	return false
}

// CORSConfig holds the headers attached to every response.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// DefaultCORS allows every origin, method and the standard API headers.
func DefaultCORS() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: []string{"OPTIONS", "GET", "PUT", "POST", "DELETE", "PATCH", "HEAD"},
		AllowHeaders: []string{"Content-Type", "X-Amz-Date", "Authorization", "X-Api-Key", "X-Amz-Security-Token", "X-Amz-User-Agent"},
	}
}

// Snapshot is an immutable route table. The handler swaps whole snapshots
// on reload; a request uses the one it loaded first.
type Snapshot struct {
	Generation uint64
	CORS       CORSConfig
	routes     map[string]*Route
	// patterns are the parameterised routes, most literal segments first.
	patterns []*Route
}

// NewSnapshot indexes routes by path.
func NewSnapshot(generation uint64, cors CORSConfig, routes ...*Route) (*Snapshot, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: at least one route is required", domain.ErrConfigInvalid)
	}
	index := make(map[string]*Route, len(routes))
	for _, r := range routes {
		if _, dup := index[r.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate route path %s", domain.ErrConfigInvalid, r.Path)
		}
		index[r.Path] = r
	}
	var patterns []*Route
	for _, r := range index {
		if r.segments != nil {
			patterns = append(patterns, r)
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		li, lj := patterns[i].literals(), patterns[j].literals()
		if li != lj {
			return li > lj
		}
		return patterns[i].Path < patterns[j].Path
	})
	return &Snapshot{Generation: generation, CORS: cors, routes: index, patterns: patterns}, nil
}

// Match returns the route serving path. A trailing slash is ignored.
func (s *Snapshot) Match(path string) (*Route, bool) {
	r, _, ok := s.Resolve(path)
	return r, ok
}

// Resolve is Match that also returns the values bound by {name} path
// segments. Literal routes win over parameterised ones.
func (s *Snapshot) Resolve(path string) (*Route, map[string]string, bool) {
	if r, ok := s.routes[path]; ok && r.segments == nil {
		return r, nil, true
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		if r, ok := s.routes[strings.TrimRight(path, "/")]; ok && r.segments == nil {
			return r, nil, true
		}
	}
	for _, r := range s.patterns {
		if params, ok := r.bind(path); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// Routes lists the routes ordered by path.
func (s *Snapshot) Routes() []*Route {
	out := make([]*Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
