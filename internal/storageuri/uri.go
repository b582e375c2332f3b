// Package storageuri parses and builds the three-segment addresses under which
// voice model bundles are stored: shelby://<account>/<namespace>/<objectId>.
package storageuri

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/book-expert/voice-bundle-service/internal/core"
)

const (
	// Scheme is the URI scheme of gateway-addressed resources.
	Scheme = "shelby"
	// Prefix is the literal prefix every gateway URI starts with.
	Prefix = Scheme + "://"
	// NamespaceVoices is the partition holding voice model bundles.
	NamespaceVoices = "voices"

	segmentCount = 3
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// URI identifies one object under an owning account and a namespace.
type URI struct {
	Account   string
	Namespace string
	ObjectID  string
}

// Build validates the three segments and returns the URI they form.
func Build(account, namespace, objectID string) (URI, error) {
	uri := URI{Account: account, Namespace: namespace, ObjectID: objectID}

	err := uri.Validate()
	if err != nil {
		return URI{}, err
	}

	return uri, nil
}

// Parse splits a shelby:// string into its segments. Any string missing the
// prefix, a segment, or containing a non URL-safe token is rejected.
func Parse(raw string) (URI, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return URI{}, fmt.Errorf("%w: uri %q must start with %s", core.ErrValidation, raw, Prefix)
	}

	segments := strings.Split(strings.TrimPrefix(raw, Prefix), "/")
	if len(segments) != segmentCount {
		return URI{}, fmt.Errorf(
			"%w: uri %q must have exactly %d path segments", core.ErrValidation, raw, segmentCount,
		)
	}

	return Build(segments[0], segments[1], segments[2])
}

// Validate checks every segment.
func (u URI) Validate() error {
	for _, segment := range []struct{ name, value string }{
		{"account", u.Account},
		{"namespace", u.Namespace},
		{"object id", u.ObjectID},
	} {
		err := validateToken(segment.name, segment.value)
		if err != nil {
			return err
		}
	}

	return nil
}

// String renders the canonical form.
func (u URI) String() string {
	return Prefix + u.Account + "/" + u.Namespace + "/" + u.ObjectID
}

// OwnedBy reports whether account owns the URI, ignoring case.
func (u URI) OwnedBy(account string) bool {
	return account != "" && strings.EqualFold(u.Account, account)
}

// Key returns the object store key of a part stored under the URI.
func (u URI) Key(filename string) string {
	return u.Prefix() + filename
}

// Prefix returns the object store key prefix shared by every part of the URI.
func (u URI) Prefix() string {
	return u.Account + "/" + u.Namespace + "/" + u.ObjectID + "/"
}

func validateToken(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s segment cannot be empty", core.ErrValidation, name)
	}

	// "." and ".." are URL-safe but would escape a directory-backed store.
	if value == "." || value == ".." {
		return fmt.Errorf("%w: %s segment %q is reserved", core.ErrValidation, name, value)
	}

	if !tokenPattern.MatchString(value) {
		return fmt.Errorf("%w: %s segment %q is not URL-safe", core.ErrValidation, name, value)
	}

	return nil
}
