package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/agentgate/pkg/dispatch"
)

const defaultMaxReadBytes = 200000

func readFilesTool(opts Options) dispatch.Handler {
	maxBytes := opts.MaxReadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}

	return dispatch.HandlerFunc{
		Def: dispatch.ToolDefinition{
			Name:        "read_files",
			Description: "Read one or more files from the workspace.",
			Parameters: []dispatch.ToolParameter{
				{Name: "paths", Type: "array", Items: "string", Description: "Relative file paths", Required: true},
			},
		},
		Fn: func(ctx context.Context, call *dispatch.Call) (dispatch.Output, error) {
			root := strings.TrimSpace(opts.WorkspaceRoot)
			if root == "" {
				return dispatch.Output{}, errors.New("workspace root is not configured")
			}
			root = filepath.Clean(root)

			paths := toStringSlice(call.Input["paths"])
			if len(paths) == 0 {
				return dispatch.Output{}, errors.New("paths is required")
			}

			files := make(map[string]interface{}, len(paths))
			for _, p := range paths {
				if err := ctx.Err(); err != nil {
					return dispatch.Output{}, err
				}
				target, err := resolvePathInWorkspace(root, p)
				if err == nil {
					target, err = resolveRealPathInWorkspace(root, target, p)
				}
				if err != nil {
					files[p] = map[string]interface{}{"error": err.Error()}
					continue
				}
				data, truncated, err := readFileWithLimit(target, maxBytes)
				if err != nil {
					files[p] = map[string]interface{}{"error": err.Error()}
					continue
				}
				files[p] = map[string]interface{}{
					"content":   string(data),
					"truncated": truncated,
				}
			}
			return dispatch.Output{Value: map[string]interface{}{"files": files}}, nil
		},
	}
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	if within(workspaceRoot, candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

// resolveRealPathInWorkspace follows symlinks in an existing target and checks
// that the real path is still inside the real workspace root.
func resolveRealPathInWorkspace(workspaceRoot, target, pathValue string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", err
	}
	if !within(realRoot, resolved) {
		return "", fmt.Errorf("path %q is outside workspace root", pathValue)
	}
	return resolved, nil
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func toStringSlice(value interface{}) []string {
	switch raw := value.(type) {
	case []string:
		return raw
	case []interface{}:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
