package scheduler

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/types"
)

// LambdaAPI is the slice of the Lambda client the driver needs.
// Satisfied by *lambda.Client; tests substitute a stub.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaClientFactory builds a Lambda client from a compute-server entry.
type LambdaClientFactory func(ctx context.Context, server *types.ComputeServer) (LambdaAPI, error)

// LambdaDriver invokes AWS-Lambda-compatible functions through the SDK.
// All failures are logged and non-fatal: remaining successors still dispatch.
type LambdaDriver struct {
	wf      *types.Workflow
	cfg     config.Runtime
	emitter Emitter
	factory LambdaClientFactory
}

// NewLambdaDriver creates the Lambda driver with the SDK client factory.
func NewLambdaDriver(wf *types.Workflow, cfg config.Runtime, emitter Emitter) *LambdaDriver {
	return &LambdaDriver{
		wf:      wf,
		cfg:     cfg,
		emitter: emitter,
		factory: newLambdaClient,
	}
}

// WithClientFactory overrides client construction (for tests).
func (d *LambdaDriver) WithClientFactory(factory LambdaClientFactory) *LambdaDriver {
	d.factory = factory
	return d
}

// newLambdaClient builds the SDK client from the server's static credentials.
func newLambdaClient(ctx context.Context, server *types.ComputeServer) (LambdaAPI, error) {
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(server.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(server.AccessKey, server.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("lambda: load config: %w", err)
	}
	return lambda.NewFromConfig(awsConfig), nil
}

// Invoke sends the complete workflow document as the function payload.
// Success is any 2xx StatusCode; otherwise the provider's FunctionError is
// logged, or a generic line when there is no response.
func (d *LambdaDriver) Invoke(ctx context.Context, server *types.ComputeServer, function string) error {
	client, err := d.factory(ctx, server)
	if err != nil {
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("Error invoking function: %s -- %v", d.wf.FunctionInvoke, err))
		return nil
	}

	body, err := d.wf.CompleteJSON()
	if err != nil {
		return fmt.Errorf("lambda: serialize payload: %w", err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout.Duration)
	defer cancel()

	out, err := client.Invoke(invokeCtx, &lambda.InvokeInput{
		FunctionName: aws.String(function),
		Payload:      body,
	})
	if err != nil {
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("Error invoking function: %s -- %v", d.wf.FunctionInvoke, err))
		return nil
	}

	if out.StatusCode >= 200 && out.StatusCode < 300 {
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("Successfully invoked: %s", d.wf.FunctionInvoke))
		return nil
	}

	if out.FunctionError != nil {
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("Error invoking function: %s -- error: %s", d.wf.FunctionInvoke, aws.ToString(out.FunctionError)))
	} else {
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("Error invoking function: %s -- no response from AWS", d.wf.FunctionInvoke))
	}
	return nil
}

// Verify LambdaDriver implements Driver.
var _ Driver = (*LambdaDriver)(nil)
