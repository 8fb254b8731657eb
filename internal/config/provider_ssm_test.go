package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	values  map[string]string
	batches [][]string
	err     error
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, in.Names)
	if f.err != nil {
		return nil, f.err
	}
	if in.WithDecryption == nil || !*in.WithDecryption {
		return nil, errors.New("decryption not requested")
	}
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		v, ok := f.values[name]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(v)})
	}
	return out, nil
}

func TestSSMProvider_Batches(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{}}
	var keys []string
	for i := range 23 {
		k := fmt.Sprintf("/test/funnelmetrics/p%02d", i)
		fake.values[k] = "v" + k
		keys = append(keys, k)
	}

	got, err := newSSMProviderWithClient("us-east-1", fake).GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch: %v", err)
	}
	if len(got) != 23 {
		t.Errorf("resolved %d keys, want 23", len(got))
	}
	if len(fake.batches) != 3 || len(fake.batches[2]) != 3 {
		t.Errorf("batches = %d (last %d), want 3 (last 3)", len(fake.batches), len(fake.batches[len(fake.batches)-1]))
	}
}

func TestSSMProvider_Errors(t *testing.T) {
	t.Run("invalid parameter", func(t *testing.T) {
		fake := &fakeSSM{values: map[string]string{}}
		_, err := newSSMProviderWithClient("us-east-1", fake).GetParametersBatch(context.Background(), []string{"/missing"})
		if err == nil || !strings.Contains(err.Error(), "/missing") {
			t.Fatalf("err = %v, want not found for /missing", err)
		}
	})

	t.Run("api failure", func(t *testing.T) {
		fake := &fakeSSM{err: errors.New("throttled")}
		_, err := newSSMProviderWithClient("us-east-1", fake).GetParametersBatch(context.Background(), []string{"/a"})
		if err == nil || !strings.Contains(err.Error(), "throttled") {
			t.Fatalf("err = %v, want wrapped throttled", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fake := &fakeSSM{values: map[string]string{"/a": "1"}}
		if _, err := newSSMProviderWithClient("us-east-1", fake).GetParametersBatch(ctx, []string{"/a"}); err == nil {
			t.Fatal("expected error for cancelled context")
		}
		if len(fake.batches) != 0 {
			t.Errorf("made %d calls after cancellation", len(fake.batches))
		}
	})

	t.Run("no keys", func(t *testing.T) {
		got, err := NewSSMProvider("us-east-1").GetParametersBatch(context.Background(), nil)
		if err != nil || got == nil || len(got) != 0 {
			t.Fatalf("got %v, %v; want empty map", got, err)
		}
	})
}
