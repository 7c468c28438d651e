package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pbibridge/pbibridge/internal/connector"
)

func handleListTools(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Runner == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, string(connector.KindConnector), "tool dispatcher is not configured", false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": deps.Runner.Tools()})
}

func handleCallTool(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Runner == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, string(connector.KindConnector), "tool dispatcher is not configured", false)
		return
	}

	name := r.PathValue("tool")
	args, err := decodeArgs(r.Body)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, string(connector.KindInvalidArguments), "request body must be a JSON object", false)
		return
	}

	result, err := deps.Runner.Dispatch(r.Context(), name, args)
	if err != nil {
		kind := connector.KindOf(err)
		writeError(r.Context(), w, statusForKind(kind), string(kind), err.Error(), retryableKind(kind))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "result": result})
}

// decodeArgs reads the tool arguments. An empty body is treated as no
// arguments so tools like list_tables can be called without a payload.
func decodeArgs(body io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func statusForKind(kind connector.Kind) int {
	switch kind {
	case connector.KindInvalidArguments, connector.KindInvalidQuery, connector.KindQuery:
		return http.StatusBadRequest
	case connector.KindTableNotFound:
		return http.StatusNotFound
	case connector.KindAuth:
		return http.StatusUnauthorized
	case connector.KindBusy, connector.KindNotConnected:
		return http.StatusConflict
	case connector.KindGenerationUnavailable:
		return http.StatusServiceUnavailable
	case connector.KindConnection:
		return http.StatusBadGateway
	case connector.KindQueryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func retryableKind(kind connector.Kind) bool {
	switch kind {
	case connector.KindBusy, connector.KindConnection, connector.KindQueryTimeout, connector.KindGenerationUnavailable:
		return true
	default:
		return false
	}
}
