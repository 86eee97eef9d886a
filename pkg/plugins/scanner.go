package plugins

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxScanFileSize is the largest asset the scanner reads
const DefaultMaxScanFileSize = 2 * 1024 * 1024

// DefaultScanExtensions are the asset types subject to scanning
var DefaultScanExtensions = []string{".js", ".mjs", ".cjs", ".ts", ".jsx", ".tsx", ".html", ".htm", ".css", ".vue"}

var (
	lineURLRegex  = regexp.MustCompile(`(?i)\b(?:https?|wss?)://[^\s'"<>)\x60]+`)
	matchURLRegex = regexp.MustCompile(`(?i)(?:(?:https?|wss?):)?//[^\s'"<>)\x60]+`)
)

// Scanner statically matches plugin assets against a rule set
type Scanner struct {
	rules       []Rule
	extensions  map[string]bool
	maxFileSize int64
	workers     int
	logger      *logrus.Logger
}

// ScannerOption configures a Scanner
type ScannerOption func(*Scanner)

// WithRules replaces the rule set
func WithRules(rules []Rule) ScannerOption {
	return func(s *Scanner) { s.rules = rules }
}

// WithMaxFileSize sets the size above which a file is reported instead of scanned
func WithMaxFileSize(n int64) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithWorkers sets how many files are scanned concurrently
func WithWorkers(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithExtensions replaces the scanned file extensions
func WithExtensions(exts []string) ScannerOption {
	return func(s *Scanner) {
		s.extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			s.extensions[strings.ToLower(e)] = true
		}
	}
}

// NewScanner creates a scanner with the default rule set
func NewScanner(logger *logrus.Logger, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		rules:       DefaultRules(),
		maxFileSize: DefaultMaxScanFileSize,
		workers:     runtime.NumCPU(),
		logger:      logger,
	}
	WithExtensions(DefaultScanExtensions)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanReport is the ordered result of a scan
type ScanReport struct {
	Findings     []Finding     `json:"findings"`
	FilesScanned int           `json:"files_scanned"`
	Duration     time.Duration `json:"duration"`
}

// Blocking returns the findings that prevent installation
func (r *ScanReport) Blocking() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// HasBlocking reports whether any finding is High or above
func (r *ScanReport) HasBlocking() bool {
	for _, f := range r.Findings {
		if f.Blocking() {
			return true
		}
	}
	return false
}

// Scan walks root and matches every eligible file. Findings are ordered by file path,
// then rule order, then position in the file, so an unchanged tree always yields the same list.
func (s *Scanner) Scan(ctx context.Context, root string, manifest *Manifest) (*ScanReport, error) {
	startTime := time.Now()
	s.logger.Infof("Starting security scan for plugin at %s", root)

	files, err := s.collect(root)
	if err != nil {
		return nil, err
	}

	var origins []string
	if manifest != nil {
		origins = manifest.AllowedOrigins
	}

	results := make([][]Finding, len(files))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)
	for i, rel := range files {
		if egCtx.Err() != nil {
			break
		}
		i, rel := i, rel
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			found, err := s.scanFile(root, rel, origins)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("security scan aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("security scan aborted: %w", err)
	}

	report := &ScanReport{FilesScanned: len(files)}
	for _, found := range results {
		report.Findings = append(report.Findings, found...)
	}
	report.Duration = time.Since(startTime)

	s.logger.Infof("Security scan completed in %v, %d files, found %d issues", report.Duration, len(files), len(report.Findings))
	return report, nil
}

// collect returns eligible regular files relative to root, sorted
func (s *Scanner) collect(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !s.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk plugin directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (s *Scanner) scanFile(root, rel string, origins []string) ([]Finding, error) {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if info.Size() > s.maxFileSize {
		return []Finding{{
			Category:    CategoryResourceLimits,
			Type:        ViolationResourceAbuse,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("File exceeds scan limit of %d bytes", s.maxFileSize),
			File:        rel,
		}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	content := string(data)
	lines := lineOffsets(content)
	ext := strings.ToLower(filepath.Ext(rel))

	var findings []Finding
	for _, r := range s.rules {
		if !r.appliesTo(ext) {
			continue
		}
		for _, loc := range r.Pattern.FindAllStringIndex(content, -1) {
			match := content[loc[0]:loc[1]]
			if r.Exclude != nil && r.Exclude.MatchString(match) {
				continue
			}

			line := sort.SearchInts(lines, loc[0]+1) // 1-based
			f := Finding{
				Category:    r.Category,
				Type:        r.Type,
				Severity:    r.Severity,
				Description: r.Description,
				File:        rel,
				Line:        line,
				Match:       strings.TrimSpace(truncate(match, 120)),
			}

			switch r.Origins {
			case OriginEscalate:
				if u := firstForeignURL(lineURLRegex.FindAllString(lineText(content, lines, line), -1), origins); u != "" {
					f.Severity = SeverityHigh
					f.Description = fmt.Sprintf("%s to %s outside allowed origins", r.Description, u)
				}
			case OriginFilter:
				u := firstForeignURL(matchURLRegex.FindAllString(match, -1), origins)
				if u == "" {
					continue
				}
				f.Description = fmt.Sprintf("%s: %s", r.Description, u)
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func (r Rule) appliesTo(ext string) bool {
	if len(r.Extensions) == 0 {
		return true
	}
	for _, e := range r.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// firstForeignURL returns the first URL whose origin is not in origins
func firstForeignURL(urls []string, origins []string) string {
	for _, u := range urls {
		if strings.HasPrefix(u, "//") {
			u = "https:" + u
		}
		if !OriginInList(u, origins) {
			return u
		}
	}
	return ""
}

// lineOffsets returns the byte offset at which each line starts
func lineOffsets(content string) []int {
	offsets := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func lineText(content string, offsets []int, line int) string {
	start := offsets[line-1]
	end := len(content)
	if line < len(offsets) {
		end = offsets[line] - 1
	}
	return content[start:end]
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 from
// the scanned file is replaced so findings stay storable as text.
func truncate(s string, n int) string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
