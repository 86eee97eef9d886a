package plugins

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultRepositoryPrefix is the only source host plugins may be installed from
const DefaultRepositoryPrefix = "https://github.com/"

const apiEndpointPrefix = "/api/v1/"

var (
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)
	repoPathRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+/?$`)
)

// Validator checks manifests and extracted source trees
type Validator struct {
	repositoryPrefix string
	hostVersion      *semver.Version
	logger           *logrus.Logger
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithRepositoryPrefix overrides the accepted repository URL prefix
func WithRepositoryPrefix(prefix string) ValidatorOption {
	return func(v *Validator) {
		if prefix != "" {
			v.repositoryPrefix = prefix
		}
	}
}

// WithHostVersion sets the dashboard version that host_version constraints are checked against
func WithHostVersion(version string) ValidatorOption {
	return func(v *Validator) {
		if hv, err := semver.NewVersion(version); err == nil {
			v.hostVersion = hv
		}
	}
}

// NewValidator creates a new manifest validator
func NewValidator(logger *logrus.Logger, opts ...ValidatorOption) *Validator {
	v := &Validator{
		repositoryPrefix: DefaultRepositoryPrefix,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseManifest decodes and validates raw manifest bytes. The manifest is returned
// whenever it could be decoded, even if validation errors are reported.
func (v *Validator) ParseManifest(raw []byte) (*Manifest, []ValidationError) {
	m, errs := DecodeManifest(raw)
	if m == nil {
		return nil, errs
	}

	decoded := make(map[string]bool, len(errs))
	for _, e := range errs {
		decoded[e.Field] = true
	}
	for _, e := range v.ValidateManifest(m) {
		if decoded[e.Field] {
			continue
		}
		errs = append(errs, e)
	}
	return m, errs
}

// ValidateManifest validates a plugin manifest for correctness and safety.
// All rules run; errors are accumulated with at most one error per scalar field.
func (v *Validator) ValidateManifest(manifest *Manifest) []ValidationError {
	var errors []ValidationError
	add := func(field, msg string) {
		errors = append(errors, ValidationError{Field: field, Message: msg, Severity: severityError})
	}

	// Required fields
	switch n := utf8.RuneCountInString(manifest.ID); {
	case n == 0:
		add("id", "Plugin ID is required")
	case n < 3 || n > 50:
		add("id", "Plugin ID must be between 3 and 50 characters")
	case !pluginIDRegex.MatchString(manifest.ID):
		add("id", "Plugin ID must be lowercase alphanumeric with hyphens (e.g., 'project-timeline')")
	}

	if msg := lengthRule("Plugin name", manifest.Name, 100); msg != "" {
		add("name", msg)
	}
	if msg := lengthRule("Author", manifest.Author, 100); msg != "" {
		add("author", msg)
	}
	if msg := lengthRule("Description", manifest.Description, 500); msg != "" {
		add("description", msg)
	}

	if manifest.Version == "" {
		add("version", "Version is required")
	} else if _, err := semver.StrictNewVersion(manifest.Version); err != nil {
		add("version", "Version must be valid semantic version (e.g., '1.0.0')")
	}

	if msg := v.repositoryRule(manifest.Repository); msg != "" {
		add("repository", msg)
	}

	if manifest.Type == "" {
		add("type", "Plugin type is required")
	} else if !validTypes[manifest.Type] {
		add("type", fmt.Sprintf("Invalid plugin type: %s", manifest.Type))
	}

	if msg := entryPointRule(manifest); msg != "" {
		add("entry_point", msg)
	}

	if manifest.Homepage != "" && !isHTTPSURL(manifest.Homepage) {
		errors = append(errors, ValidationError{
			Field:    "homepage",
			Message:  "Homepage URL appears invalid",
			Severity: severityWarning,
		})
	}

	// Permissions, resolved against the capability vocabulary
	_, permErrs := GrantCapabilities(manifest)
	errors = append(errors, permErrs...)

	declared := make(map[Capability]bool, len(manifest.Permissions))
	for _, c := range manifest.Permissions {
		declared[c] = true
	}
	for i, ep := range manifest.APIEndpoints {
		field := fmt.Sprintf("api_endpoints[%d]", i)
		switch {
		case !strings.HasPrefix(ep, apiEndpointPrefix):
			add(field, fmt.Sprintf("API endpoint %q must start with %s", ep, apiEndpointPrefix))
		case strings.Contains(ep, ".."):
			add(field, fmt.Sprintf("API endpoint %q must not contain '..'", ep))
		case !endpointCovered(ep, declared):
			add(field, fmt.Sprintf("API endpoint %q requires %s permission", ep, RequiredCapability("GET", ep)))
		}
	}

	for i, origin := range manifest.AllowedOrigins {
		if !isOrigin(origin) {
			add(fmt.Sprintf("allowed_origins[%d]", i), fmt.Sprintf("Allowed origin %q must be an https origin", origin))
		}
	}

	for _, depID := range sortedKeys(manifest.Dependencies) {
		field := "dependencies." + depID
		if !pluginIDRegex.MatchString(depID) {
			add(field, fmt.Sprintf("Dependency ID %q is invalid", depID))
			continue
		}
		if depID == manifest.ID {
			add(field, "Plugin cannot depend on itself")
			continue
		}
		if _, err := semver.NewConstraint(manifest.Dependencies[depID]); err != nil {
			add(field, fmt.Sprintf("Dependency constraint %q is invalid", manifest.Dependencies[depID]))
		}
	}

	if manifest.HostVersion != "" {
		c, err := semver.NewConstraint(manifest.HostVersion)
		switch {
		case err != nil:
			add("host_version", fmt.Sprintf("Host version constraint %q is invalid", manifest.HostVersion))
		case v.hostVersion != nil && !c.Check(v.hostVersion):
			add("host_version", fmt.Sprintf("Plugin requires dashboard %s, running %s", manifest.HostVersion, v.hostVersion))
		}
	}

	if len(manifest.ConfigSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(manifest.ConfigSchema)); err != nil {
			add("config_schema", fmt.Sprintf("Config schema is not a valid JSON schema: %v", err))
		}
	}

	return errors
}

// ValidateTree checks the manifest against the extracted source tree
func (v *Validator) ValidateTree(manifest *Manifest, root string) []ValidationError {
	var errors []ValidationError
	if manifest.EntryPoint == "" || entryPointRule(manifest) != "" {
		return nil
	}

	target := filepath.Join(root, filepath.FromSlash(manifest.EntryPoint))
	info, err := os.Lstat(target)
	if err != nil || !info.Mode().IsRegular() {
		errors = append(errors, ValidationError{
			Field:    "entry_point",
			Message:  fmt.Sprintf("Entry point %s not found in plugin source", manifest.EntryPoint),
			Severity: severityError,
		})
	}
	return errors
}

// CheckConfig validates operator configuration against the manifest config schema
func CheckConfig(manifest *Manifest, config []byte) []ValidationError {
	if len(manifest.ConfigSchema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(manifest.ConfigSchema),
		gojsonschema.NewBytesLoader(config),
	)
	if err != nil {
		return []ValidationError{{Field: "config", Message: fmt.Sprintf("Config could not be validated: %v", err), Severity: severityError}}
	}

	var errors []ValidationError
	for _, re := range result.Errors() {
		errors = append(errors, ValidationError{
			Field:    "config." + re.Field(),
			Message:  re.Description(),
			Severity: severityError,
		})
	}
	return errors
}

func lengthRule(label, value string, max int) string {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	switch {
	case n == 0:
		return label + " is required"
	case utf8.RuneCountInString(value) > max:
		return fmt.Sprintf("%s must be at most %d characters", label, max)
	}
	return ""
}

func (v *Validator) repositoryRule(repo string) string {
	if repo == "" {
		return "Repository URL is required"
	}
	if !strings.HasPrefix(repo, v.repositoryPrefix) {
		return fmt.Sprintf("Repository URL must start with %s", v.repositoryPrefix)
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(repo, v.repositoryPrefix), ".git")
	if !repoPathRegex.MatchString(rest) {
		return "Repository URL must name an owner and repository"
	}
	return ""
}

// CheckRepositoryURL applies the manifest repository rule to a URL supplied
// with an install request
func (v *Validator) CheckRepositoryURL(repositoryURL string) *ValidationError {
	if msg := v.repositoryRule(strings.TrimSpace(repositoryURL)); msg != "" {
		return &ValidationError{Field: "repository_url", Message: msg, Severity: severityError}
	}
	return nil
}

// NormalizeRepositoryURL trims whitespace, trailing slashes and a .git suffix
func NormalizeRepositoryURL(repositoryURL string) string {
	u := strings.TrimRight(strings.TrimSpace(repositoryURL), "/")
	return strings.TrimSuffix(u, ".git")
}

// SameRepository reports whether two repository URLs name the same repository.
// Hosting paths are compared case-insensitively.
func SameRepository(a, b string) bool {
	return strings.EqualFold(NormalizeRepositoryURL(a), NormalizeRepositoryURL(b))
}

func entryPointRule(m *Manifest) string {
	ep := m.EntryPoint
	if ep == "" {
		if m.Type == PluginTypeUI {
			return "UI plugins require an entry point"
		}
		return ""
	}
	if strings.HasPrefix(ep, "/") || strings.Contains(ep, "\\") || filepath.IsAbs(ep) {
		return "Entry point must be a relative path"
	}
	clean := path.Clean(ep)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "Entry point must stay inside the plugin source"
	}
	if m.Type == PluginTypeUI {
		ext := strings.ToLower(path.Ext(clean))
		if ext != ".html" && ext != ".htm" {
			return "UI plugin entry point must be an HTML file"
		}
	}
	return ""
}

func isHTTPSURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func isOrigin(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	return (u.Path == "" || u.Path == "/") && u.RawQuery == "" && u.Fragment == "" && u.User == nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
