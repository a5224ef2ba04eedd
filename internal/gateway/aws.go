package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
)

// LoadAWSConfig loads the default credential chain for region.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

// throttlingCodes are client-fault codes that still deserve a retry.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
	"KMSThrottlingException":                 true,
	"ProvisionedThroughputExceededException": true,
}

// classifyAWS maps an SDK error to the gateway error contract. Client faults
// are permanent unless they are throttling; server faults, transport errors
// and unknown errors are transient.
func classifyAWS(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if apiErr.ErrorFault() == smithy.FaultClient && !throttlingCodes[code] {
			return Permanent(fmt.Sprintf("%s rejected: %s", op, code), err)
		}
	}
	return &TransientError{Err: fmt.Errorf("%s failed: %w", op, err)}
}
