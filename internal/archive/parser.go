package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pubvault/pubvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// Asset is one extracted text file from the archive
type Asset struct {
	Path      string
	Content   string
	Truncated bool
}

// Summary is the result of parsing an uploaded archive. Issues holds
// policy violations that make the archive unpublishable; any non-empty
// Issues list rejects the upload.
type Summary struct {
	Pubspec        *types.Pubspec
	PubspecContent string
	Readme         *Asset
	Changelog      *Asset
	Example        *Asset
	License        *Asset
	Libraries      []string
	Issues         []string
}

// HasIssues reports whether the archive was rejected by policy
func (s *Summary) HasIssues() bool { return len(s.Issues) > 0 }

var readmeCandidates = []string{"readme.md", "readme.txt", "readme"}
var changelogCandidates = []string{"changelog.md", "changelog.txt", "changelog"}
var licenseCandidates = []string{"license", "license.md", "license.txt", "copying"}

// exampleCandidates returns the candidate example paths for a package
// name, in priority order.
func exampleCandidates(pkg string) []string {
	return []string{
		"example/lib/main.dart",
		"example/main.dart",
		"example/lib/" + pkg + ".dart",
		"example/" + pkg + ".dart",
		"example/lib/" + pkg + "_example.dart",
		"example/" + pkg + "_example.dart",
		"example/lib/example.dart",
		"example/example.dart",
		"example/readme.md",
		"example/example.md",
	}
}

// Cap on example files buffered while walking the archive
const maxBufferedExamples = 50

// Parse reads a gzipped tar archive and extracts the manifest, assets and
// library listing. maxSize bounds the decompressed bytes read; exceeding it
// fails with ErrTooLarge.
func Parse(r io.Reader, maxSize int64) (*Summary, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	counted := &countingReader{r: gz, limit: maxSize}
	tr := tar.NewReader(counted)

	summary := &Summary{}

	var pubspecContent []byte
	rootAssets := map[string]*Asset{} // lowercased root filename -> asset
	exampleAssets := map[string]*Asset{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if counted.exceeded {
				return nil, ErrTooLarge
			}
			return nil, fmt.Errorf("malformed tar archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		path := normalizeEntryPath(hdr.Name)
		if path == "" {
			continue
		}
		lower := strings.ToLower(path)

		switch {
		case lower == "pubspec.yaml":
			pubspecContent, err = readEntry(tr, counted)
			if err != nil {
				return nil, err
			}

		case !strings.Contains(path, "/") && isRootAssetCandidate(lower):
			asset, err := readAssetEntry(path, tr, counted)
			if err != nil {
				return nil, err
			}
			if _, seen := rootAssets[lower]; !seen {
				rootAssets[lower] = asset
			}

		case strings.HasPrefix(lower, "example/") && len(exampleAssets) < maxBufferedExamples &&
			(strings.HasSuffix(lower, ".dart") || strings.HasSuffix(lower, ".md")):
			asset, err := readAssetEntry(path, tr, counted)
			if err != nil {
				return nil, err
			}
			if _, seen := exampleAssets[lower]; !seen {
				exampleAssets[lower] = asset
			}

		case strings.HasPrefix(path, "lib/") && !strings.HasPrefix(path, "lib/src/") &&
			strings.HasSuffix(path, ".dart"):
			summary.Libraries = append(summary.Libraries, strings.TrimPrefix(path, "lib/"))
			if _, err := io.Copy(io.Discard, tr); err != nil {
				if counted.exceeded {
					return nil, ErrTooLarge
				}
				return nil, fmt.Errorf("failed to read archive entry: %w", err)
			}
		}
	}

	sort.Strings(summary.Libraries)

	if pubspecContent == nil {
		summary.Issues = append(summary.Issues, "archive has no pubspec.yaml at its root")
		return summary, nil
	}
	summary.PubspecContent = string(pubspecContent)

	pubspec, err := types.ParsePubspec(pubspecContent)
	if err != nil {
		summary.Issues = append(summary.Issues, err.Error())
		return summary, nil
	}
	summary.Pubspec = pubspec

	for _, dep := range pubspec.GitDependencies() {
		summary.Issues = append(summary.Issues,
			fmt.Sprintf("dependency %q is a git dependency, which is not allowed in published packages", dep))
	}

	summary.Readme = firstAsset(rootAssets, readmeCandidates)
	summary.Changelog = firstAsset(rootAssets, changelogCandidates)
	summary.License = firstAsset(rootAssets, licenseCandidates)
	summary.Example = firstAsset(exampleAssets, exampleCandidates(strings.ToLower(pubspec.Name)))

	log.Debug().
		Str("package", pubspec.Name).
		Str("version", pubspec.Version).
		Int("libraries", len(summary.Libraries)).
		Int("issues", len(summary.Issues)).
		Msg("archive parsed")

	return summary, nil
}

// firstAsset picks the highest-priority candidate present
func firstAsset(assets map[string]*Asset, candidates []string) *Asset {
	for _, c := range candidates {
		if a, ok := assets[c]; ok {
			return a
		}
	}
	return nil
}

// isRootAssetCandidate matches root-level README/CHANGELOG/LICENSE names
func isRootAssetCandidate(lower string) bool {
	for _, set := range [][]string{readmeCandidates, changelogCandidates, licenseCandidates} {
		for _, c := range set {
			if lower == c {
				return true
			}
		}
	}
	return false
}

// normalizeEntryPath strips leading "./" segments and converts separators
func normalizeEntryPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	return name
}

// readEntry reads a full entry (the pubspec), capped at the asset limit
// plus room to notice oversize.
func readEntry(tr io.Reader, counted *countingReader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(tr, types.MaxAssetTextLength+1))
	if err != nil {
		if counted.exceeded {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("failed to read archive entry: %w", err)
	}
	if _, err := io.Copy(io.Discard, tr); err != nil {
		if counted.exceeded {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("failed to read archive entry: %w", err)
	}
	return data, nil
}

// readAssetEntry reads an asset entry, truncating at the 128 KiB cap
func readAssetEntry(path string, tr io.Reader, counted *countingReader) (*Asset, error) {
	data, err := readEntry(tr, counted)
	if err != nil {
		return nil, err
	}

	asset := &Asset{Path: path}
	if len(data) > types.MaxAssetTextLength {
		asset.Content = string(data[:types.MaxAssetTextLength])
		asset.Truncated = true
	} else {
		asset.Content = string(data)
	}
	return asset, nil
}

// countingReader bounds total decompressed bytes
type countingReader struct {
	r        io.Reader
	limit    int64
	read     int64
	exceeded bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		c.exceeded = true
		return n, ErrTooLarge
	}
	return n, err
}
