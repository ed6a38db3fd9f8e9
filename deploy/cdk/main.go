package main

import (
	"os"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/jsii-runtime-go"
)

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	cfg := DefaultConfig()

	if name := os.Getenv("M2G_TABLE_NAME"); name != "" {
		cfg.TableName = name
	}
	if arn := os.Getenv("M2G_SECRETS_ARN"); arn != "" {
		cfg.CredentialsSecretARN = arn
	}
	cfg.DestroyOnDelete = os.Getenv("M2G_DESTROY_ON_DELETE") == "true"

	stackName := "Metrics2GarminStack"
	if name := os.Getenv("M2G_STACK_NAME"); name != "" {
		stackName = name
	}

	NewMetrics2GarminStack(app, stackName, cfg)
	app.Synth(nil)
}
