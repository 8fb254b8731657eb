// Package main implements the bootstrap CLI that populates SSM Parameter
// Store with the secrets and Stripe identifiers FunnelMetrics resolves at
// startup.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=funnelmetrics-prod --region=us-east-1
//
// It verifies the AWS identity through STS, asks for confirmation before
// touching prod, walks the parameter inventory, and finally prints the
// *_SSM_PARAM variables to set on the API and worker.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{"dev": true, "staging": true, "prod": true}

// STSClient is the subset of the STS API used for the identity check.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Identity is the AWS principal the tool runs as.
type Identity struct {
	AccountID string
	ARN       string
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	flag.Parse()

	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: --env must be dev, staging or prod (got %q)\n\n", *envFlag)
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *envFlag, *profileFlag, *regionFlag, logger); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, env, profile, region string, logger *slog.Logger) error {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	id, err := verifyIdentity(ctx, sts.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	logger.Info("AWS identity verified", "account_id", id.AccountID, "arn", id.ARN, "region", region)

	if env == "prod" && !confirmProduction(os.Stdin, os.Stderr, id, region) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return nil
	}

	ssmMgr := NewSSMManager(ssm.NewFromConfig(awsCfg), env, logger)
	fmt.Fprintf(os.Stderr, "\nFunnelMetrics bootstrap: env=%s account=%s prefix=%s\n", env, id.AccountID, ssmMgr.Path(""))

	runner := &Runner{
		SSM:       ssmMgr,
		Inventory: BuildInventory(NewValidator()),
		Stdin:     os.Stdin,
		Stderr:    os.Stderr,
	}
	if _, err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info("bootstrap completed", "env", env, "account", id.AccountID)
	return nil
}

// verifyIdentity fails fast on missing or expired credentials.
func verifyIdentity(ctx context.Context, client STSClient) (Identity, error) {
	idCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := client.GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Identity{}, fmt.Errorf("verifying AWS identity (STS GetCallerIdentity): %w", err)
	}
	return Identity{AccountID: aws.ToString(out.Account), ARN: aws.ToString(out.Arn)}, nil
}

// confirmProduction returns true only if the operator types "yes".
func confirmProduction(in io.Reader, out io.Writer, id Identity, region string) bool {
	fmt.Fprintln(out, "\n  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintf(out, "  Account: %s\n  Region:  %s\n  ARN:     %s\n\n", id.AccountID, region, id.ARN)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}
