package storage

import (
	"fmt"
	"strings"
	"sync"
)

// ObjectPurpose selects the object layout inside a bucket.
type ObjectPurpose string

// PurposePaymentProof stores GCash payment screenshots per order.
const PurposePaymentProof ObjectPurpose = "payment-proof"

// PathParams provide identifiers used to compose object keys.
type PathParams struct {
	OrderID  string
	UploadID string
	FileName string
}

// PathBuilder composes the object path for a purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ObjectPurpose]PathBuilder{
		PurposePaymentProof: buildPaymentProofPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a purpose. A nil builder removes it.
func RegisterPathBuilder(purpose ObjectPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the object path for purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

func buildPaymentProofPath(params PathParams) (string, error) {
	orderID, err := cleanSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	uploadID, err := cleanSegment("uploadID", params.UploadID)
	if err != nil {
		return "", err
	}
	fileName, err := cleanSegment("fileName", params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("payments/orders/%s/proofs/%s/%s", orderID, uploadID, fileName), nil
}

// cleanSegment rejects values that could escape their directory.
func cleanSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
