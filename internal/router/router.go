// Package router classifies incoming request paths and decides which
// upstream provider and action they target.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"orchestrator-go/internal/credential"
)

// Action names the upstream operation a request maps to.
type Action string

const (
	ActionGenerateContent       Action = "generateContent"
	ActionStreamGenerateContent Action = "streamGenerateContent"
	ActionPredict               Action = "predict"
	ActionPredictLongRunning    Action = "predictLongRunning"
	ActionFetchOperation        Action = "fetchPredictOperation"
	ActionListModels            Action = "listModels"
)

// Route is the classification of a single request path.
type Route struct {
	Provider credential.Provider
	Action   Action
	Model    string
	// PlaceholderProject is the project segment the client sent on a Vertex
	// path. It gets replaced with the selected credential's project.
	PlaceholderProject string
	Streaming          bool
}

// ErrUnroutable marks paths that match no known upstream shape. The caller
// must answer these terminally, never retry them.
type ErrUnroutable struct {
	Path string
}

func (e *ErrUnroutable) Error() string {
	return fmt.Sprintf("no upstream route for path %q", e.Path)
}

// vertexPathRe splits a Vertex path into prefix, project segment and the
// locations tail. The project segment is whatever the client sent and gets
// swapped for the real one at transform time.
var vertexPathRe = regexp.MustCompile(`(v1(?:beta\d+)?/projects/)([^/]+)(/locations.*)`)

// geminiModelRe captures the model and action of a Gemini API model call.
var geminiModelRe = regexp.MustCompile(`^/v1(?:beta|alpha)?/models/([^:/]+):(\w+)$`)

// Classify maps a request method and path to a route.
func Classify(method, path string) (Route, error) {
	if m := vertexPathRe.FindStringSubmatch(path); m != nil {
		return classifyVertex(path, m)
	}
	if m := geminiModelRe.FindStringSubmatch(path); m != nil {
		return classifyGemini(path, m[1], m[2])
	}
	if method == "GET" && isModelList(path) {
		return Route{Provider: credential.ProviderGemini, Action: ActionListModels}, nil
	}
	return Route{}, &ErrUnroutable{Path: path}
}

func classifyVertex(path string, m []string) (Route, error) {
	route := Route{
		Provider:           credential.ProviderVertex,
		PlaceholderProject: m[2],
	}
	tail := m[3]
	switch {
	case strings.HasSuffix(tail, ":streamGenerateContent"):
		route.Action = ActionStreamGenerateContent
		route.Streaming = true
	case strings.HasSuffix(tail, ":generateContent"):
		route.Action = ActionGenerateContent
	case strings.HasSuffix(tail, ":predictLongRunning"):
		route.Action = ActionPredictLongRunning
	case strings.HasSuffix(tail, ":predict"):
		route.Action = ActionPredict
	case strings.HasSuffix(tail, ":fetchPredictOperation"):
		route.Action = ActionFetchOperation
	case strings.Contains(tail, "/operations/"):
		route.Action = ActionFetchOperation
	default:
		return Route{}, &ErrUnroutable{Path: path}
	}
	route.Model = vertexModel(tail)
	return route, nil
}

func classifyGemini(path, model, verb string) (Route, error) {
	route := Route{Provider: credential.ProviderGemini, Model: model}
	switch verb {
	case "generateContent":
		route.Action = ActionGenerateContent
	case "streamGenerateContent":
		route.Action = ActionStreamGenerateContent
		route.Streaming = true
	case "countTokens":
		route.Action = ActionGenerateContent
	case "predict":
		route.Action = ActionPredict
	case "predictLongRunning":
		route.Action = ActionPredictLongRunning
	default:
		return Route{}, &ErrUnroutable{Path: path}
	}
	return route, nil
}

// SubstituteProject rewrites the project segment of a Vertex path in place.
func SubstituteProject(path, project string) string {
	return vertexPathRe.ReplaceAllString(path, "${1}"+project+"${3}")
}

func isModelList(path string) bool {
	switch strings.TrimSuffix(path, "/") {
	case "/v1/models", "/v1beta/models", "/v1alpha/models":
		return true
	}
	return false
}

// vertexModel pulls the model name out of a locations tail like
// "/locations/us-central1/publishers/google/models/gemini-2.0-flash:predict".
func vertexModel(tail string) string {
	idx := strings.Index(tail, "/models/")
	if idx < 0 {
		return ""
	}
	rest := tail[idx+len("/models/"):]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[:colon]
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}
