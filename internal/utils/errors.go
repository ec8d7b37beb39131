package utils

import (
	"errors"
	"fmt"
)

type ErrorClass string

const (
	ClassNotFound           ErrorClass = "NOT_FOUND"
	ClassValidation         ErrorClass = "VALIDATION"
	ClassDuplicate          ErrorClass = "DUPLICATE"
	ClassCrypto             ErrorClass = "CRYPTO"
	ClassPassphraseRequired ErrorClass = "PASSPHRASE_REQUIRED"
	ClassCANotFound         ErrorClass = "CA_NOT_FOUND"
	ClassBusy               ErrorClass = "BUSY"
	ClassIO                 ErrorClass = "IO"
	ClassNetwork            ErrorClass = "NETWORK"
	ClassConfig             ErrorClass = "CONFIG"
	ClassInternal           ErrorClass = "INTERNAL"
)

type Error struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(class ErrorClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

func WrapError(class ErrorClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

func NotFoundError(message string) *Error {
	return NewError(ClassNotFound, message)
}

func ValidationError(message string) *Error {
	return NewError(ClassValidation, message)
}

func DuplicateError(message string) *Error {
	return NewError(ClassDuplicate, message)
}

func CryptoError(message string, err error) *Error {
	return WrapError(ClassCrypto, message, err)
}

func PassphraseRequiredError(message string) *Error {
	return NewError(ClassPassphraseRequired, message)
}

func CANotFoundError(message string) *Error {
	return NewError(ClassCANotFound, message)
}

func BusyError(message string) *Error {
	return NewError(ClassBusy, message)
}

func IOError(message string, err error) *Error {
	return WrapError(ClassIO, message, err)
}

func NetworkError(message string, err error) *Error {
	return WrapError(ClassNetwork, message, err)
}

func ConfigError(message string, err error) *Error {
	return WrapError(ClassConfig, message, err)
}

func InternalError(message string, err error) *Error {
	return WrapError(ClassInternal, message, err)
}

func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

func IsClass(err error, class ErrorClass) bool {
	return ClassOf(err) == class
}
