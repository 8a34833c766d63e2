package datafile

import (
	"strings"

	"neurorec/internal/faults"
	"neurorec/internal/fileutil"
)

// VerifySHA1 recomputes the digest of binPath and compares it, ignoring
// case, with the fileSHA1 value in its sidecar. A mismatch is reported as
// false; an absent or malformed stored digest is an error.
func VerifySHA1(binPath string) (bool, error) {
	binPath = ForceBinSuffix(binPath)
	meta, err := ReadMeta(MetaPath(binPath))
	if err != nil {
		return false, err
	}
	stored, ok := meta.Get(KeyFileSHA1)
	if !ok {
		return false, faults.Wrap(faults.ErrValidation, "datafile", "verify", "missing "+KeyFileSHA1, nil)
	}
	stored = strings.TrimSpace(stored)
	if !isHexDigest(stored) {
		return false, faults.Wrap(faults.ErrValidation, "datafile", "verify", "bad stored digest "+stored, nil)
	}
	sum, _, err := fileutil.SHA1File(binPath)
	if err != nil {
		return false, faults.Wrap(faults.ErrIO, "datafile", "verify", binPath, err)
	}
	return strings.EqualFold(sum, stored), nil
}

func isHexDigest(s string) bool {
	if len(s) != 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
