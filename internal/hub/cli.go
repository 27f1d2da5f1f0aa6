// Package hub publishes merged checkpoints to the model hub by driving the
// huggingface-cli binary.
package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
)

// CLI shells out to huggingface-cli. Every operation is an exist-ok upsert
// so a retried checkpoint can be published again.
type CLI struct {
	Binary  string
	Private bool
	Stdout  io.Writer
}

func NewCLI(binary string, private bool) *CLI {
	if binary == "" {
		binary = "huggingface-cli"
	}
	return &CLI{Binary: binary, Private: private}
}

func (c *CLI) CreateRepo(ctx context.Context, repoID string) error {
	args := []string{"repo", "create", repoID, "--repo-type", "model", "--exist-ok", "-y"}
	if c.Private {
		args = append(args, "--private")
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create repo %s: %w", repoID, err)
	}
	return nil
}

func (c *CLI) UploadFolder(ctx context.Context, localPath, repoID string) error {
	if _, err := c.run(ctx, "upload", repoID, localPath, ".", "--repo-type", "model"); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, repoID, err)
	}
	return nil
}

func (c *CLI) CreateTag(ctx context.Context, repoID, tag string) error {
	out, err := c.run(ctx, "tag", repoID, tag, "--repo-type", "model", "-y")
	if err != nil {
		if strings.Contains(strings.ToLower(out), "already exists") {
			log.Printf("[hub] tag %s already exists on %s", tag, repoID)
			return nil
		}
		return fmt.Errorf("failed to tag %s with %s: %w", repoID, tag, err)
	}
	return nil
}

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&buf, c.Stdout)
	} else {
		cmd.Stdout = &buf
	}
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	out := buf.String()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", c.Binary, args[0], err, strings.TrimSpace(out))
	}
	return out, nil
}
