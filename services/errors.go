package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/flashbots/techmap/protocol"
)

// maxBodyBytes bounds request bodies. Queries carry one Paillier ciphertext
// per returned value, so this is generous.
const maxBodyBytes = 64 << 20

// StatusOf maps a protocol error to its HTTP status code.
func StatusOf(err error) int {
	pe := protocol.AsError(err)
	switch pe.Kind {
	case protocol.KindAuth:
		return http.StatusUnauthorized
	case protocol.KindCrypto, protocol.KindValidation:
		return http.StatusUnprocessableEntity
	case protocol.KindVersionConflict:
		return http.StatusConflict
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindProtocol:
		switch {
		case errors.Is(pe, protocol.ErrTimeout):
			return http.StatusGatewayTimeout
		case errors.Is(pe, protocol.ErrContention):
			return http.StatusConflict
		}
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends the public part of err. Internal causes are only logged.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	pe := protocol.AsError(err)
	status := StatusOf(pe)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "kind", pe.Kind, "err", err)
	} else {
		log.Debug("request rejected", "kind", pe.Kind, "err", err)
	}
	writeJSON(w, status, &errorResponse{Error: pe.Public()})
}

// decodeBody reads a JSON body of at most maxBodyBytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.Errorf(protocol.ErrMalformedRequest, "invalid request body")
	}
	return nil
}

// decodeError turns a non-2xx response back into a protocol error, so
// errors.Is matches the same sentinels on both sides.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil && er.Error.Code != "" {
		return er.Error
	}
	return protocol.Wrap(protocol.ErrServiceUnavailable, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body))
}
