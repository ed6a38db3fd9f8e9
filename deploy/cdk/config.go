package main

// StackConfig holds configuration for the Metrics2Garmin CDK stack.
type StackConfig struct {
	Name             string
	TableName        string
	MemorySize       float64
	Timeout          float64
	LambdaDistDir    string
	ScheduleHours    float64
	LogRetentionDays float64
	DestroyOnDelete  bool

	// CredentialsSecretARN points at a Secrets Manager secret holding the
	// provider credentials as JSON. When set, the runner resolves them at
	// startup through aws-secrets:// references.
	CredentialsSecretARN string
}

// DefaultConfig returns a StackConfig with sensible defaults.
func DefaultConfig() StackConfig {
	return StackConfig{
		Name:             "metrics2garmin",
		TableName:        "metrics2garmin-state",
		MemorySize:       256,
		Timeout:          300,
		LambdaDistDir:    "../dist/lambda",
		ScheduleHours:    6,
		LogRetentionDays: 14,
	}
}
