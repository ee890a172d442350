package classifier

import (
	"context"

	"github.com/ashureev/proctord/internal/domain"
)

// Classifier is the long-lived frame classification service.
// This interface is implemented by the gRPC client.
type Classifier interface {
	// Classify maps one frame to a classification plus debug metrics.
	Classify(ctx context.Context, sessionID, image string) (domain.Classification, map[string]any, error)

	// Health returns the serving status reported by the service.
	Health(ctx context.Context) (string, error)

	// Close releases resources
	Close()
}

// Ensure GrpcClient implements Classifier.
var _ Classifier = (*GrpcClient)(nil)
