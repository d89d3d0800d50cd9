package api

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/swarmguard/tianshu/internal/objectstore"
)

var (
	markdownImagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	htmlImagePattern     = regexp.MustCompile(`<img\s+([^>]*\s+)?src="([^"]+)"([^>]*)>`)
)

// cacheFileName is the sibling file written next to the source Markdown
// once its image references have been rewritten to object-store URLs,
// matching the original system's result_minio.md convention.
const cacheFileName = "result_minio.md"

// RewriteImagesForObjectStore rewrites every local image reference in
// mdPath to an object-store URL, uploading each referenced image found
// under mdPath's sibling "images/" directory under the key
// "images/<uuid><ext>", and caches the rewritten
// Markdown as result_minio.md beside the source file. If the cache
// already exists it is returned without re-uploading.
func RewriteImagesForObjectStore(ctx context.Context, st objectstore.Store, mdPath string) (string, error) {
	dir := filepath.Dir(mdPath)
	cachePath := filepath.Join(dir, cacheFileName)
	if data, err := os.ReadFile(cachePath); err == nil {
		return string(data), nil
	}

	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return "", fmt.Errorf("imagerewrite: read %s: %w", mdPath, err)
	}
	content := string(raw)
	imagesDir := filepath.Join(dir, "images")

	uploaded := make(map[string]string)
	upload := func(relPath string) (string, error) {
		if url, ok := uploaded[relPath]; ok {
			return url, nil
		}
		localPath := filepath.Join(imagesDir, filepath.Base(relPath))
		f, err := os.Open(localPath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		key := "images/" + uuid.New().String() + filepath.Ext(relPath)
		url, err := st.Put(ctx, key, f, contentTypeForExt(filepath.Ext(relPath)))
		if err != nil {
			return "", err
		}
		uploaded[relPath] = url
		return url, nil
	}

	content = markdownImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := markdownImagePattern.FindStringSubmatch(match)
		alt, ref := groups[1], groups[2]
		if !isLocalImageRef(ref) {
			return match
		}
		url, err := upload(ref)
		if err != nil {
			return match
		}
		return fmt.Sprintf("![%s](%s)", alt, url)
	})

	content = htmlImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := htmlImagePattern.FindStringSubmatch(match)
		before, ref, after := groups[1], groups[2], groups[3]
		if !isLocalImageRef(ref) {
			return match
		}
		url, err := upload(ref)
		if err != nil {
			return match
		}
		return fmt.Sprintf(`<img %ssrc="%s"%s>`, before, url, after)
	})

	if err := os.WriteFile(cachePath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("imagerewrite: write cache: %w", err)
	}
	return content, nil
}

// RewriteImagesLocal rewrites every local image reference in mdPath to
// the static-file URL the API serves straight off disk under
// resultPath, the upload_images=false branch of the image rewriter. A
// pure function: it never touches the filesystem beyond reading
// mdPath and stat-ing candidate image files, and the result is never
// cached (unlike the object-store branch's result_minio.md).
func RewriteImagesLocal(mdPath, resultPath string) (string, error) {
	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return "", fmt.Errorf("imagerewrite: read %s: %w", mdPath, err)
	}
	content := string(raw)
	imagesDir := filepath.Join(filepath.Dir(mdPath), "images")

	rewrite := func(ref string) (string, bool) {
		base := filepath.Base(ref)
		if _, err := os.Stat(filepath.Join(imagesDir, base)); err != nil {
			return "", false
		}
		return localImageURL(resultPath, base), true
	}

	content = markdownImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := markdownImagePattern.FindStringSubmatch(match)
		alt, ref := groups[1], groups[2]
		if !isLocalImageRef(ref) {
			return match
		}
		imgURL, ok := rewrite(ref)
		if !ok {
			return match
		}
		return fmt.Sprintf("![%s](%s)", alt, imgURL)
	})

	content = htmlImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := htmlImagePattern.FindStringSubmatch(match)
		before, ref, after := groups[1], groups[2], groups[3]
		if !isLocalImageRef(ref) {
			return match
		}
		imgURL, ok := rewrite(ref)
		if !ok {
			return match
		}
		return fmt.Sprintf(`<img %ssrc="%s"%s>`, before, imgURL, after)
	})
	return content, nil
}

// localImageURL builds the /api/v1/files/output/<result_path>/images/
// <basename> URL prescribed for the non-uploaded branch. Each path
// segment is URL-encoded individually so the "/" separators between
// them survive.
func localImageURL(resultPath, basename string) string {
	segments := strings.Split(filepath.ToSlash(resultPath), "/")
	encoded := make([]string, 0, len(segments)+2)
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		encoded = append(encoded, url.PathEscape(seg))
	}
	encoded = append(encoded, "images", url.PathEscape(basename))
	return "/api/v1/files/output/" + strings.Join(encoded, "/")
}

func isLocalImageRef(ref string) bool {
	return !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://")
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
