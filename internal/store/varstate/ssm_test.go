package varstate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/fpang/album-poster/internal/store"
)

// fakeSSM keeps parameters in a map keyed by full name.
type fakeSSM struct {
	params map[string]string
	tiers  map[string]types.ParameterTier
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{params: make(map[string]string), tiers: make(map[string]types.ParameterTier)}
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("parameter not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (f *fakeSSM) PutParameter(ctx context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	name := aws.ToString(in.Name)
	if _, ok := f.params[name]; ok && !aws.ToBool(in.Overwrite) {
		return nil, &types.ParameterAlreadyExists{Message: aws.String("exists")}
	}
	f.params[name] = aws.ToString(in.Value)
	f.tiers[name] = in.Tier
	return &ssm.PutParameterOutput{}, nil
}

func (f *fakeSSM) DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	name := aws.ToString(in.Name)
	if _, ok := f.params[name]; !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("parameter not found")}
	}
	delete(f.params, name)
	return &ssm.DeleteParameterOutput{}, nil
}

func (f *fakeSSM) GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	prefix := aws.ToString(in.Path) + "/"
	out := &ssm.GetParametersByPathOutput{}
	for name, v := range f.params {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out.Parameters = append(out.Parameters, types.Parameter{Name: aws.String(name), Value: aws.String(v)})
	}
	return out, nil
}

func TestSSMVariables(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSSM()
	client := NewSSMVariables(fake, "/album-poster/prod/", false)
	env := Scope{Environment: "production"}

	if _, err := client.Get(ctx, Scope{}, "PRIMARY_INSTA_POSTS_1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing parameter error = %v, want ErrNotFound", err)
	}
	if err := client.Create(ctx, Scope{}, "PRIMARY_INSTA_POSTS_1", "[1]"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.Create(ctx, Scope{}, "PRIMARY_INSTA_POSTS_1", "[1]"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create error = %v, want ErrConflict", err)
	}
	if err := client.Update(ctx, env, "PRIMARY_INSTA_POSTS_1", "[1,2]"); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, ok := fake.params["/album-poster/prod/repository/PRIMARY_INSTA_POSTS_1"]; !ok {
		t.Errorf("repository parameter missing: %v", fake.params)
	}
	if fake.params["/album-poster/prod/environments/production/PRIMARY_INSTA_POSTS_1"] != "[1,2]" {
		t.Errorf("environment parameter missing: %v", fake.params)
	}
	if fake.tiers["/album-poster/prod/repository/PRIMARY_INSTA_POSTS_1"] != types.ParameterTierStandard {
		t.Error("expected standard tier")
	}

	vars, err := client.List(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 1 || vars["PRIMARY_INSTA_POSTS_1"] != "[1,2]" {
		t.Errorf("List = %v", vars)
	}
	if client.MaxValueSize() != 4096 || NewSSMVariables(fake, "x", true).MaxValueSize() != 8192 {
		t.Error("unexpected size caps")
	}
}

func TestSSMVariables_ThroughAdapter(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSSM()
	a := New(NewSSMVariables(fake, "album-poster/test", false), "", WithEnvLookup(noEnv))

	if err := a.WriteFailedPositions(ctx, testKey, []store.FailedPosition{{Position: 2, ErrorMessage: "timeout"}}); err != nil {
		t.Fatal(err)
	}
	fresh := New(NewSSMVariables(fake, "album-poster/test", false), "", WithEnvLookup(noEnv))
	failed, err := fresh.ReadFailedPositions(ctx, testKey)
	if err != nil || len(failed) != 1 || failed[0].ErrorMessage != "timeout" {
		t.Errorf("ReadFailedPositions = %+v, %v", failed, err)
	}
}
