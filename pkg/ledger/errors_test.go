package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestStorageFailureClassification(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	testCases := []struct {
		name     string
		input    error
		wantKind error
		notKind  error
	}{
		{name: "plain driver error", input: baseError, wantKind: ErrStorageUnavailable},
		{name: "connection kind kept", input: ConnectionFailure(baseError), wantKind: ErrConnectionUnavailable, notKind: ErrStorageUnavailable},
		{name: "conflict kept", input: WrapError(operationName, subjectName, codeName, ErrIdentityConflict), wantKind: ErrIdentityConflict, notKind: ErrStorageUnavailable},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			classified := StorageFailure(testCase.input)
			if !errors.Is(classified, testCase.wantKind) {
				test.Fatalf(errorMismatchMessage, testCase.wantKind, classified)
			}
			if testCase.notKind != nil && errors.Is(classified, testCase.notKind) {
				test.Fatalf("did not expect %v in %v", testCase.notKind, classified)
			}
			if !errors.Is(classified, testCase.input) {
				test.Fatalf("expected cause to be preserved in %v", classified)
			}
		})
	}
	if StorageFailure(nil) != nil || ConnectionFailure(nil) != nil {
		test.Fatalf("expected nil passthrough")
	}
}
