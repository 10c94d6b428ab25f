package errors

import (
	"context"
	stdErrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes returned by EVM nodes and hosted providers.
const (
	rpcParseError      = -32700
	rpcInvalidRequest  = -32600
	rpcMethodNotFound  = -32601
	rpcInvalidParams   = -32602
	rpcInternalError   = -32603
	rpcServerError     = -32000
	rpcLimitExceeded   = -32005
	rpcExecutionRevert = 3
)

type statusCoder interface {
	StatusCode() int
}

// Classify 将任意上游错误映射为分类错误。已分类的错误原样返回。
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := From(err); ok {
		return e
	}

	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, "deadline exceeded")
	case stdErrors.Is(err, context.Canceled):
		return Wrap(KindUnknown, err, "operation canceled", WithRetryable(false), WithAlert(false))
	}

	var httpErr gethrpc.HTTPError
	if stdErrors.As(err, &httpErr) {
		return FromStatus(httpErr.StatusCode, err, 0)
	}

	var coder statusCoder
	if stdErrors.As(err, &coder) {
		return FromStatus(coder.StatusCode(), err, 0)
	}

	var rpcErr gethrpc.Error
	if stdErrors.As(err, &rpcErr) {
		return fromRPCCode(rpcErr.ErrorCode(), err)
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, err, err.Error())
		}
		return Wrap(KindNetwork, err, err.Error())
	}
	if stdErrors.Is(err, syscall.ECONNREFUSED) || stdErrors.Is(err, syscall.ECONNRESET) ||
		stdErrors.Is(err, io.ErrUnexpectedEOF) || stdErrors.Is(err, io.EOF) {
		return Wrap(KindNetwork, err, err.Error())
	}

	return fromMessage(err)
}

// FromStatus 将 HTTP 状态码映射为分类错误。
func FromStatus(status int, cause error, retryAfter time.Duration) *Error {
	message := http.StatusText(status)
	if cause != nil {
		message = cause.Error()
	}
	opts := []Option{WithStatus(status)}
	switch {
	case status == http.StatusTooManyRequests:
		return Wrap(KindRateLimited, cause, message, append(opts, WithRetryAfter(retryAfter))...)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Wrap(KindTimeout, cause, message, opts...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Wrap(KindUnauthorized, cause, message, opts...)
	case status == http.StatusNotFound:
		return Wrap(KindNotFound, cause, message, opts...)
	case status >= 500:
		return Wrap(KindUpstreamUnavailable, cause, message, append(opts, WithRetryAfter(retryAfter))...)
	case status >= 400:
		return Wrap(KindValidation, cause, message, opts...)
	default:
		return Wrap(KindUnknown, cause, message, append(opts, WithRetryable(false))...)
	}
}

func fromRPCCode(code int, err error) *Error {
	opts := []Option{WithStatus(code)}
	switch code {
	case rpcParseError, rpcInvalidRequest, rpcInvalidParams, rpcExecutionRevert:
		return Wrap(KindValidation, err, err.Error(), opts...)
	case rpcMethodNotFound:
		return Wrap(KindNotFound, err, err.Error(), opts...)
	case rpcLimitExceeded:
		return Wrap(KindRateLimited, err, err.Error(), opts...)
	case rpcInternalError, rpcServerError:
		if isRateLimitMessage(err.Error()) {
			return Wrap(KindRateLimited, err, err.Error(), opts...)
		}
		return Wrap(KindUpstreamUnavailable, err, err.Error(), opts...)
	default:
		if isRateLimitMessage(err.Error()) {
			return Wrap(KindRateLimited, err, err.Error(), opts...)
		}
		return Wrap(KindUnknown, err, err.Error(), append(opts, WithRetryable(false))...)
	}
}

func fromMessage(err error) *Error {
	msg := strings.ToLower(err.Error())
	switch {
	case isRateLimitMessage(msg):
		return Wrap(KindRateLimited, err, err.Error())
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return Wrap(KindTimeout, err, err.Error())
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such host"):
		return Wrap(KindNetwork, err, err.Error())
	default:
		return Wrap(KindUnknown, err, err.Error(), WithRetryable(false))
	}
}

func isRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429")
}
