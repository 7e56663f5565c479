package scorm

import "strconv"

// ErrorCode is a SCORM 1.2 RTE error code. Content packages only ever see the
// string form ("0", "101", ...), produced by String at the API boundary.
type ErrorCode int

const (
	NoError                  ErrorCode = 0
	GeneralException         ErrorCode = 101
	InvalidArgument          ErrorCode = 201
	ElementCannotHaveChildren ErrorCode = 202
	ElementNotAnArray        ErrorCode = 203
	NotInitialized           ErrorCode = 301
	NotImplemented           ErrorCode = 401
	ElementIsKeyword         ErrorCode = 402
	ElementIsReadOnly        ErrorCode = 403
	ElementIsWriteOnly       ErrorCode = 404
	IncorrectDataType        ErrorCode = 405
)

var errorStrings = map[ErrorCode]string{
	NoError:                  "No error",
	GeneralException:         "General exception",
	InvalidArgument:          "Invalid argument error",
	ElementCannotHaveChildren: "Element cannot have children",
	ElementNotAnArray:        "Element not an array - cannot have count",
	NotInitialized:           "Not initialized",
	NotImplemented:           "Not implemented error",
	ElementIsKeyword:         "Invalid set value, element is a keyword",
	ElementIsReadOnly:        "Element is read only",
	ElementIsWriteOnly:       "Element is write only",
	IncorrectDataType:        "Incorrect data type",
}

func (c ErrorCode) String() string {
	return strconv.Itoa(int(c))
}

// Message returns the standard error string for the code, or "" for unknown codes.
func (c ErrorCode) Message() string {
	return errorStrings[c]
}

// ParseErrorCode converts the wire representation of an error code back to an
// ErrorCode. Unknown strings map to -1 so GetErrorString can return "".
func ParseErrorCode(s string) ErrorCode {
	n, err := strconv.Atoi(s)
	if err != nil {
		return ErrorCode(-1)
	}
	return ErrorCode(n)
}
