package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var registerName string

var registerCmd = &cobra.Command{
	Use:   "register <identity_id> <image_or_dir>...",
	Short: "Register a person from one or more face images",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRegister(cmd.Context(), args[0], displayName(args[0], registerName), args[1:], false)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <identity_id> <image_or_dir>...",
	Short: "Add face images to an already registered person",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRegister(cmd.Context(), args[0], "", args[1:], true)
	},
}

func init() {
	registerCmd.Flags().StringVarP(&registerName, "name", "n", "", "Display name (default: the identity id)")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(updateCmd)
}

func runRegister(ctx context.Context, id, name string, paths []string, update bool) error {
	files, err := collectImages(paths)
	if err != nil {
		utils.ShowError("Failed to collect images", err, nil)
		return err
	}
	images, err := loadImages(files, Logger)
	if err != nil {
		utils.ShowError("Failed to read images", err, nil)
		return err
	}

	p, closeEngine, err := newPipeline(ctx)
	if err != nil {
		utils.ShowError("Pipeline startup failed", err, nil)
		return err
	}
	defer closeEngine()

	fmt.Fprintf(os.Stderr, "🧬 Extracting embeddings from %d images...\n", len(images))
	var n int
	if update {
		n, err = p.UpdateIdentity(ctx, id, images)
	} else {
		n, err = p.RegisterIdentity(ctx, id, name, images)
	}
	if err != nil {
		if n > 0 && errors.Is(err, pipeline.ErrPersistence) {
			utils.ShowError(fmt.Sprintf("Registered %d embeddings but could not save them", n), err, nil)
		} else {
			utils.ShowError("Registration failed", err, nil)
		}
		return err
	}

	fmt.Printf("✅ Identity '%s' now has %d new embeddings (%d images skipped)\n", id, n, len(images)-n)
	return nil
}

// displayName falls back to the identity id when no name was given.
func displayName(id, name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return id
}

// collectImages expands directories into the image files they contain.
func collectImages(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isImageFile(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(p, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", strings.Join(paths, ", "))
	}
	sort.Strings(files)
	return files, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// loadImages decodes every file. Undecodable files are skipped; it fails only
// when nothing could be read.
func loadImages(files []string, logger *zap.Logger) ([]image.Image, error) {
	images := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := loadImage(f)
		if err != nil {
			logger.Warn("skipping image", zap.String("path", f), zap.Error(err))
			continue
		}
		images = append(images, img)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("none of the %d images could be decoded", len(files))
	}
	return images, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
