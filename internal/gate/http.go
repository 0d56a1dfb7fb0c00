package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/matt-riley/flaggate/internal/core"
)

const (
	HeaderUserID = "X-User-Id"
	HeaderGroups = "X-User-Groups"
)

// RequestContext builds an evaluation context from a request.
type RequestContext func(r *http.Request) core.EvaluationContext

// HeaderContext reads userId from X-User-Id and groups from the
// comma-separated X-User-Groups header.
func HeaderContext(r *http.Request) core.EvaluationContext {
	return contextFromValues(r.Header.Get(HeaderUserID), r.Header.Get(HeaderGroups))
}

// Middleware only lets requests through to next while flag is on. Denied
// requests get the handler's Response as JSON with its Code as status.
func Middleware(evaluator Evaluator, flag string, contextFunc RequestContext, denied DeniedHandler[Response], opts ...Option) func(http.Handler) http.Handler {
	if contextFunc == nil {
		contextFunc = HeaderContext
	}
	if denied == nil {
		denied = DefaultDeniedHandler
	}
	g := New(evaluator, denied, opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			served := false
			resp, err := g.Guard(r.Context(), flag, contextFunc(r), func(context.Context) (Response, error) {
				served = true
				next.ServeHTTP(w, r)
				return Response{}, nil
			})
			if served {
				return
			}
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				return
			}

			code := resp.Code
			if code < 100 || code > 999 {
				code = http.StatusForbidden
			}
			writeJSON(w, code, resp)
		})
	}
}

func contextFromValues(userID, groups string) core.EvaluationContext {
	attributes := make(map[string]any, 2)
	if userID = strings.TrimSpace(userID); userID != "" {
		attributes[core.AttributeUserID] = userID
	}

	var groupList []string
	for _, group := range strings.Split(groups, ",") {
		if group = strings.TrimSpace(group); group != "" {
			groupList = append(groupList, group)
		}
	}
	if len(groupList) > 0 {
		attributes[core.AttributeGroups] = groupList
	}

	return core.EvaluationContext{Attributes: attributes}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
