package stunmsg

import "fmt"

// ErrorCode is a STUN/TURN ERROR-CODE value (class*100 + number), as
// carried in the ERROR-CODE attribute (RFC 5389 Section 15.6).
type ErrorCode int

// Error codes defined by RFC 5389 (STUN), RFC 5766/6062 (TURN) and RFC
// 5780 (NAT behavior discovery). Not every server operation returns
// every code; each is used where the corresponding spec section
// requires it.
const (
	CodeTryAlternate          ErrorCode = 300
	CodeBadRequest            ErrorCode = 400
	CodeUnauthorized          ErrorCode = 401
	CodeForbidden             ErrorCode = 403
	CodeMobilityForbidden     ErrorCode = 405
	CodeUnknownAttribute      ErrorCode = 420
	CodeAllocationMismatch    ErrorCode = 437
	CodeStaleNonce            ErrorCode = 438
	CodeAddressFamilyMismatch ErrorCode = 440
	CodeWrongCredentials      ErrorCode = 441
	CodeUnsupportedTransport  ErrorCode = 442
	CodePeerAddressFamily     ErrorCode = 443
	CodeConnectionAlreadyExists ErrorCode = 446
	CodeConnectionTimeoutOrFailure ErrorCode = 447
	CodeAllocationQuotaReached ErrorCode = 486
	CodeRoleConflict          ErrorCode = 487
	CodeServerError           ErrorCode = 500
	CodeInsufficientCapacity  ErrorCode = 508
)

var errorCodeReasons = map[ErrorCode]string{
	CodeTryAlternate:               "Try Alternate",
	CodeBadRequest:                 "Bad Request",
	CodeUnauthorized:               "Unauthorized",
	CodeForbidden:                  "Forbidden",
	CodeMobilityForbidden:          "Mobility Forbidden",
	CodeUnknownAttribute:           "Unknown Attribute",
	CodeAllocationMismatch:         "Allocation Mismatch",
	CodeStaleNonce:                 "Stale Nonce",
	CodeAddressFamilyMismatch:      "Address Family not Supported",
	CodeWrongCredentials:           "Wrong Credentials",
	CodeUnsupportedTransport:       "Unsupported Transport Protocol",
	CodePeerAddressFamily:          "Peer Address Family Mismatch",
	CodeConnectionAlreadyExists:    "Connection Already Exists",
	CodeConnectionTimeoutOrFailure: "Connection Timeout or Failure",
	CodeAllocationQuotaReached:     "Allocation Quota Reached",
	CodeRoleConflict:               "Role Conflict",
	CodeServerError:                "Server Error",
	CodeInsufficientCapacity:       "Insufficient Capacity",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeReasons[c]; ok {
		return s
	}
	return fmt.Sprintf("Error %d", int(c))
}
