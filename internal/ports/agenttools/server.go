// Package agenttools builds an MCP tool server scoped to exactly one workspace's worktree,
// exposing filesystem tools to a coding agent runner subprocess via the MCP SDK, the same
// toolset shape as a multi-workspace fs-tool server generalized down to a single rooted
// directory (one server instance per live turn/worktree rather than one shared server
// keyed by workspace id).
package agenttools

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func newTool(name, description string) *sdkmcp.Tool {
	if !toolNameRegex.MatchString(name) {
		panic(fmt.Errorf("invalid tool name: %s", name))
	}
	return &sdkmcp.Tool{Name: name, Description: description}
}

// Server is an MCP tool surface rooted at one worktree directory.
type Server struct {
	root string
	sdk  *sdkmcp.Server
}

// safePath resolves relPath against root, rejecting absolute paths and traversal
// outside the worktree.
func (s *Server) safePath(relPath string) (string, error) {
	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path must be relative")
	}
	abs := filepath.Join(s.root, cleaned)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes the workspace root")
	}
	return abs, nil
}

type readFileReq struct {
	Path string `json:"path"`
	Head *int   `json:"head,omitempty"`
	Tail *int   `json:"tail,omitempty"`
}
type readFileResp struct {
	Content    string `json:"content"`
	TotalLines int    `json:"totalLines,omitempty"`
}

type writeFileReq struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
type writeFileResp struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
	Overwritten  bool   `json:"overwritten"`
}

type listDirReq struct {
	Path string `json:"path"`
}
type listDirResp struct {
	Entries []string `json:"entries"`
}

type editOp struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}
type editFileReq struct {
	Path   string   `json:"path"`
	Edits  []editOp `json:"edits"`
	DryRun bool     `json:"dryRun"`
}
type editFileResp struct {
	DryRun       bool   `json:"dryRun"`
	Diff         string `json:"diff,omitempty"`
	Matches      int    `json:"matches"`
	BytesWritten int    `json:"bytesWritten,omitempty"`
}

type searchFilesReq struct {
	Path            string   `json:"path"`
	Pattern         string   `json:"pattern"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
}
type searchFilesResp struct {
	Matches []string `json:"matches"`
}

type readMediaFileReq struct {
	Path string `json:"path"`
}
type readMediaFileResp struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
	Size     int64  `json:"size"`
}

// New builds a Server rooted at worktreePath with its MCP tool surface registered.
func New(worktreePath string) *Server {
	s := &Server{root: filepath.Clean(worktreePath)}
	impl := &sdkmcp.Implementation{Name: "luban-agent-tools", Version: "0.1.0"}
	server := sdkmcp.NewServer(impl, nil)

	sdkmcp.AddTool[readFileReq, readFileResp](server, newTool("fs_read_text_file", "Read a UTF-8 text file"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, a readFileReq) (*sdkmcp.CallToolResult, readFileResp, error) {
			if a.Head != nil && a.Tail != nil {
				return nil, readFileResp{}, fmt.Errorf("cannot specify both head and tail")
			}
			abs, err := s.safePath(a.Path)
			if err != nil {
				return nil, readFileResp{}, err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, readFileResp{}, fmt.Errorf("read %s: %w", a.Path, err)
			}
			content := string(data)
			lines := strings.Split(content, "\n")
			out := readFileResp{TotalLines: len(lines)}
			switch {
			case a.Head != nil:
				h := min(*a.Head, len(lines))
				out.Content = strings.Join(lines[:h], "\n")
			case a.Tail != nil:
				t := min(*a.Tail, len(lines))
				out.Content = strings.Join(lines[len(lines)-t:], "\n")
			default:
				out.Content = content
			}
			return nil, out, nil
		})

	sdkmcp.AddTool[writeFileReq, writeFileResp](server, newTool("fs_write_file", "Write a text file"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, a writeFileReq) (*sdkmcp.CallToolResult, writeFileResp, error) {
			abs, err := s.safePath(a.Path)
			if err != nil {
				return nil, writeFileResp{}, err
			}
			_, statErr := os.Stat(abs)
			overwritten := statErr == nil
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, writeFileResp{}, fmt.Errorf("create parent dirs: %w", err)
			}
			data := []byte(a.Content)
			if err := os.WriteFile(abs, data, 0o644); err != nil {
				return nil, writeFileResp{}, fmt.Errorf("write %s: %w", a.Path, err)
			}
			return nil, writeFileResp{Path: a.Path, BytesWritten: len(data), Overwritten: overwritten}, nil
		})

	sdkmcp.AddTool[listDirReq, listDirResp](server, newTool("fs_list_directory", "List directory entries"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, a listDirReq) (*sdkmcp.CallToolResult, listDirResp, error) {
			abs, err := s.safePath(a.Path)
			if err != nil {
				return nil, listDirResp{}, err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return nil, listDirResp{}, fmt.Errorf("list %s: %w", a.Path, err)
			}
			var out []string
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			for _, e := range entries {
				prefix := "[FILE]"
				if e.IsDir() {
					prefix = "[DIR]"
				}
				out = append(out, prefix+" "+e.Name())
			}
			return nil, listDirResp{Entries: out}, nil
		})

	sdkmcp.AddTool[editFileReq, editFileResp](server, newTool("fs_edit_file", "Apply substring edits to a file, optionally as a dry run"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, a editFileReq) (*sdkmcp.CallToolResult, editFileResp, error) {
			if len(a.Edits) == 0 {
				return nil, editFileResp{}, fmt.Errorf("edits must not be empty")
			}
			abs, err := s.safePath(a.Path)
			if err != nil {
				return nil, editFileResp{}, err
			}
			orig, err := os.ReadFile(abs)
			if err != nil {
				return nil, editFileResp{}, fmt.Errorf("read %s: %w", a.Path, err)
			}
			newContent := string(orig)
			matches := 0
			for _, e := range a.Edits {
				matches += strings.Count(newContent, e.OldText)
				newContent = strings.ReplaceAll(newContent, e.OldText, e.NewText)
			}
			if a.DryRun {
				dmp := diffmatchpatch.New()
				diffs := dmp.DiffMain(string(orig), newContent, true)
				return nil, editFileResp{DryRun: true, Diff: dmp.DiffPrettyText(diffs), Matches: matches}, nil
			}
			data := []byte(newContent)
			if err := os.WriteFile(abs, data, 0o644); err != nil {
				return nil, editFileResp{}, fmt.Errorf("write edited %s: %w", a.Path, err)
			}
			return nil, editFileResp{DryRun: false, Matches: matches, BytesWritten: len(data)}, nil
		})

	sdkmcp.AddTool[searchFilesReq, searchFilesResp](server, newTool("fs_search_files", "Search files by glob pattern"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, a searchFilesReq) (*sdkmcp.CallToolResult, searchFilesResp, error) {
			if a.Pattern == "" {
				return nil, searchFilesResp{}, fmt.Errorf("pattern is required")
			}
			start, err := s.safePath(a.Path)
			if err != nil {
				return nil, searchFilesResp{}, err
			}
			var matches []string
			err = filepath.WalkDir(start, func(path string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				ok, err := filepath.Match(a.Pattern, d.Name())
				if err != nil || !ok {
					return err
				}
				for _, ex := range a.ExcludePatterns {
					if exOk, _ := filepath.Match(ex, d.Name()); exOk {
						return nil
					}
				}
				if rel, err := filepath.Rel(s.root, path); err == nil {
					matches = append(matches, rel)
				}
				return nil
			})
			if err != nil {
				return nil, searchFilesResp{}, fmt.Errorf("search failed: %w", err)
			}
			return nil, searchFilesResp{Matches: matches}, nil
		})

	sdkmcp.AddTool[readMediaFileReq, readMediaFileResp](server, newTool("fs_read_media_file", "Read a media file as base64 with MIME type"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, a readMediaFileReq) (*sdkmcp.CallToolResult, readMediaFileResp, error) {
			abs, err := s.safePath(a.Path)
			if err != nil {
				return nil, readMediaFileResp{}, err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, readMediaFileResp{}, fmt.Errorf("read %s: %w", a.Path, err)
			}
			const maxMediaFileSize = 10 * 1024 * 1024
			if len(data) > maxMediaFileSize {
				return nil, readMediaFileResp{}, fmt.Errorf("media file too large (max 10MB)")
			}
			return nil, readMediaFileResp{
				MimeType: http.DetectContentType(data),
				Base64:   base64.StdEncoding.EncodeToString(data),
				Size:     int64(len(data)),
			}, nil
		})

	s.sdk = server
	return s
}

// RunStdio serves the tool surface over stdio until the client disconnects or ctx is canceled.
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.sdk.Run(ctx, &sdkmcp.StdioTransport{}); err != nil && err != io.EOF {
		return err
	}
	return nil
}
