package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// GrepSearchTool searches workspace file contents by regular expression.
// Content search results are never cached: the cost of a stale hit
// outweighs the rerun.
type GrepSearchTool struct {
	workspace Workspace
}

func NewGrepSearchTool(workspace Workspace) *GrepSearchTool {
	return &GrepSearchTool{workspace: workspace}
}

type grepSearchArgs struct {
	Query      string `json:"query" jsonschema:"required,description=Regular expression to search for."`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to search; defaults to the workspace root."`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Cap on returned matches."`
}

func (t *GrepSearchTool) Name() string            { return "grep_search" }
func (t *GrepSearchTool) Description() string     { return "Search workspace file contents with a regular expression." }
func (t *GrepSearchTool) Schema() json.RawMessage { return schemaFor(&grepSearchArgs{}) }
func (t *GrepSearchTool) Mutating() bool          { return false }

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// maxScannedFileBytes skips files larger than this; content search over
// giant artifacts is noise.
const maxScannedFileBytes = 2 << 20

func (t *GrepSearchTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var input grepSearchArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, turnmodel.InvalidArgsError("grep_search: invalid arguments", nil)
	}
	if input.Query == "" {
		return nil, turnmodel.InvalidArgsError("grep_search: missing query", []string{"query"})
	}
	re, err := regexp.Compile(input.Query)
	if err != nil {
		return nil, turnmodel.InvalidArgsError(fmt.Sprintf("grep_search: invalid query: %v", err), []string{"query"})
	}

	if input.Path == "" {
		input.Path = "."
	}
	maxResults := input.MaxResults
	if maxResults <= 0 || maxResults > 500 {
		maxResults = 500
	}

	root, err := t.workspace.Resolve(input.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var matches []grepMatch
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(matches) >= maxResults {
			truncated = true
			return fs.SkipAll
		}
		info, err := de.Info()
		if err != nil || info.Size() > maxScannedFileBytes {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if strings.ContainsRune(text, '\x00') {
				// Binary file; move on.
				return nil
			}
			if re.MatchString(text) {
				matches = append(matches, grepMatch{Path: t.workspace.Rel(path), Line: line, Text: text})
				if len(matches) >= maxResults {
					truncated = true
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return nil, turnmodel.NewTurnError(turnmodel.KindTimeout, "grep_search cancelled", ctx.Err())
	}

	payload, _ := json.Marshal(map[string]any{
		"success":  true,
		"matches":  matches,
		"has_more": truncated,
	})
	return payload, nil
}
