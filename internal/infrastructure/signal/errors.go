package signal

import (
	"encoding/json"
	"errors"

	apperrors "rillcall/pkg/errors"

	"github.com/sourcegraph/jsonrpc2"
)

// JSON-RPC error codes used by the relay. Application errors travel as
// codeApplication with the AppError code in Data.
const (
	codeApplication int64 = -32000
	codeRateLimited int64 = -32029
)

type errorData struct {
	Code apperrors.ErrorCode `json:"code"`
}

// toRPCError converts a handler error into the wire form.
func toRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := apperrors.CodeOf(err)
	out := &jsonrpc2.Error{Code: codeApplication, Message: err.Error()}
	if code == apperrors.ErrCodeRateLimit {
		out.Code = codeRateLimited
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		out.Message = appErr.Message
	}
	raw, mErr := json.Marshal(errorData{Code: code})
	if mErr == nil {
		data := json.RawMessage(raw)
		out.Data = &data
	}
	return out
}

// fromRPCError restores the AppError class carried by a relay error. Errors
// without a class become ErrRemote.
func fromRPCError(rpcErr *jsonrpc2.Error) error {
	code := apperrors.ErrCodeRemote
	if rpcErr.Data != nil {
		var data errorData
		if err := json.Unmarshal(*rpcErr.Data, &data); err == nil && data.Code != "" && data.Code != apperrors.ErrCodeInternal {
			code = data.Code
		}
	}
	return apperrors.Wrap(rpcErr, code, "%s", rpcErr.Message)
}
