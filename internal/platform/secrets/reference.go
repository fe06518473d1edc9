package secrets

import (
	"fmt"
	"strings"
)

const (
	schemeSecret = "secret://"
	schemeSM     = "sm://"
)

// Reference is a parsed secret pointer.
//
//	secret://name[@version]
//	sm://projects/<project>/secrets/<name>/versions/<version>
//
// Slashes in a short name become dashes in the Secret Manager resource.
type Reference struct {
	Project string
	Name    string
	Version string
}

// IsReference reports whether value uses one of the secret schemes.
func IsReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, schemeSecret) || strings.HasPrefix(value, schemeSM)
}

// ParseReference parses both reference forms. Either scheme may carry either body.
func ParseReference(raw string) (Reference, error) {
	value := strings.TrimSpace(raw)
	var body string
	switch {
	case strings.HasPrefix(value, schemeSecret):
		body = strings.TrimPrefix(value, schemeSecret)
	case strings.HasPrefix(value, schemeSM):
		body = strings.TrimPrefix(value, schemeSM)
	default:
		return Reference{}, fmt.Errorf("secrets: unsupported reference %q", redact(value))
	}
	body = strings.Trim(body, "/")

	if strings.HasPrefix(body, "projects/") {
		return parseResourceName(body)
	}

	name, version, _ := strings.Cut(body, "@")
	name = strings.Trim(strings.TrimSpace(name), "/")
	version = strings.TrimSpace(version)
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", redact(value))
	}
	if version == "" {
		version = latestVersion
	}
	return Reference{Name: name, Version: version}, nil
}

func parseResourceName(body string) (Reference, error) {
	parts := strings.Split(body, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "secrets" || parts[4] != "versions" {
		return Reference{}, fmt.Errorf("secrets: malformed resource name %q", redact(body))
	}
	ref := Reference{Project: parts[1], Name: parts[3], Version: parts[5]}
	if ref.Project == "" || ref.Name == "" || ref.Version == "" {
		return Reference{}, fmt.Errorf("secrets: malformed resource name %q", redact(body))
	}
	return ref, nil
}

// resourceName renders the Secret Manager version path, or "" when no project is known.
func (r Reference) resourceName(defaultProject string) string {
	project := r.Project
	if project == "" {
		project = strings.TrimSpace(defaultProject)
	}
	if project == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, strings.ReplaceAll(r.Name, "/", "-"), r.Version)
}

func (r Reference) key() string {
	return r.versionlessKey() + "@" + r.Version
}

func (r Reference) versionlessKey() string {
	if r.Project != "" {
		return schemeSecret + r.Project + "/" + r.Name
	}
	return schemeSecret + r.Name
}

func redact(value string) string {
	if len(value) <= 12 {
		return value
	}
	return value[:12] + "…"
}
