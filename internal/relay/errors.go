package relay

import (
	"errors"

	"chatrelay/internal/protocol"
)

// 中继错误分类，仅认证失败与传输失败会关闭连接。
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthorization    = errors.New("not a member of conversation")
	ErrPersistence      = errors.New("persistence failure")
	ErrRateLimited      = errors.New("too many messages")
	ErrTransport        = errors.New("transport failure")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSessionClosed    = errors.New("session closed")
)

// Fatal reports whether err must terminate the connection.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrHeartbeatTimeout)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_failed"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrAuthorization):
		return "unauthorized"
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "internal"
}

// publicMessage hides store and driver details from clients.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	case errors.Is(err, ErrAuthentication):
		return ErrAuthentication.Error()
	case errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrRateLimited):
		return err.Error()
	}
	return "internal error"
}
