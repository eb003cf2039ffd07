package compose

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

const defaultServiceScale = 1

// Stack is the normalized view of a compose project.
type Stack struct {
	Name     string
	Services map[string]StackService
}

// StackService captures the fields checked after rendering.
type StackService struct {
	Image     string
	Replicas  int
	DependsOn []string
	Published []string
}

// Validate loads body as a compose project and returns its normalized form.
// Undefined dependencies and malformed fields are reported by the loader.
func Validate(ctx context.Context, body []byte) (Stack, error) {
	if len(body) == 0 {
		return Stack{}, errors.New("compose body is empty")
	}

	details := types.ConfigDetails{
		WorkingDir: ".",
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName("skyward", false)
	})
	if err != nil {
		return Stack{}, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return Stack{}, errors.New("compose has no services")
	}

	stack := Stack{
		Name:     project.Name,
		Services: make(map[string]StackService, len(project.Services)),
	}
	for name, svc := range project.Services {
		if svc.Image == "" {
			return Stack{}, fmt.Errorf("service %q missing image", name)
		}

		replicas := defaultServiceScale
		if svc.Deploy != nil && svc.Deploy.Replicas != nil {
			replicas = *svc.Deploy.Replicas
		} else if svc.Scale != nil {
			replicas = *svc.Scale
		}

		deps := make([]string, 0, len(svc.DependsOn))
		for dep := range svc.DependsOn {
			deps = append(deps, dep)
		}

		var published []string
		for _, p := range svc.Ports {
			if p.Published != "" {
				published = append(published, fmt.Sprintf("%s:%d", p.Published, p.Target))
			}
		}

		stack.Services[name] = StackService{
			Image:     svc.Image,
			Replicas:  replicas,
			DependsOn: normalizeNames(deps),
			Published: normalizeNames(published),
		}
	}

	return stack, nil
}

func normalizeNames(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	sort.Strings(values)
	result := make([]string, 0, len(values))
	var last string
	for _, value := range values {
		if value == last {
			continue
		}
		result = append(result, value)
		last = value
	}
	return result
}
