package api

import (
	"encoding/json"
	"net/http"

	"NexusAgent/internal/agent"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/settlement"
	"NexusAgent/internal/wallet"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusFor(xerrors.CodeOf(err)), map[string]errorBody{"error": body})
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, settlement.CodeMilestoneOutOfRange:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, settlement.CodeEscrowNotFound, settlement.CodeTaskNotFound,
		wallet.CodeWalletNotFound, agent.CodeAgentNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeInvalidState, settlement.CodeEscrowInvalidState,
		settlement.CodeTaskInvalidState, wallet.CodeWalletConflict:
		return http.StatusConflict
	case xerrors.CodePolicyViolation:
		return http.StatusUnprocessableEntity
	case xerrors.CodeNotConfigured, xerrors.CodeLockUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
