package gpg

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/jhillyerd/enmime"
)

const (
	beginPublicKey = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	endPublicKey   = "-----END PGP PUBLIC KEY BLOCK-----"
	beginMessage   = "-----BEGIN PGP MESSAGE-----"
)

// ReadKeys extracts every public key from plaintext. The plaintext may be a
// bare key (armored or binary), text with armored key blocks, or a MIME
// message carrying keys as parts. Keys found more than once are merged.
func ReadKeys(plaintext []byte) (openpgp.EntityList, error) {
	var found openpgp.EntityList

	for _, chunk := range candidateChunks(plaintext) {
		found = append(found, readArmoredBlocks(chunk)...)
	}

	if len(found) == 0 {
		if keys, err := openpgp.ReadKeyRing(bytes.NewReader(plaintext)); err == nil {
			found = keys
		}
	}

	if len(found) == 0 {
		return nil, ErrNoKeyMaterial
	}

	var keys openpgp.EntityList
	mergeInto(&keys, found)
	return keys, nil
}

// candidateChunks returns the plaintext itself plus the decoded content of
// every MIME part when the plaintext parses as a message with parts.
func candidateChunks(plaintext []byte) [][]byte {
	chunks := [][]byte{plaintext}

	root, err := enmime.ReadParts(bytes.NewReader(plaintext))
	if err != nil || root == nil {
		return chunks
	}

	var walk func(p *enmime.Part)
	walk = func(p *enmime.Part) {
		for ; p != nil; p = p.NextSibling {
			if len(p.Content) > 0 {
				chunks = append(chunks, p.Content)
			}
			walk(p.FirstChild)
		}
	}
	walk(root.FirstChild)

	return chunks
}

// readArmoredBlocks parses each armored public key block in data.
// Blocks that fail to parse are skipped.
func readArmoredBlocks(data []byte) openpgp.EntityList {
	var keys openpgp.EntityList

	rest := data
	for {
		start := bytes.Index(rest, []byte(beginPublicKey))
		if start < 0 {
			return keys
		}
		end := bytes.Index(rest[start:], []byte(endPublicKey))
		if end < 0 {
			return keys
		}
		end += start + len(endPublicKey)

		block, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(rest[start:end]))
		if err == nil {
			keys = append(keys, block...)
		}
		rest = rest[end:]
	}
}

// Describe returns the KeyInfo of each entity.
func Describe(keys openpgp.EntityList) []KeyInfo {
	infos := make([]KeyInfo, 0, len(keys))
	for _, e := range keys {
		info := KeyInfo{
			Fingerprint: fingerprint(e),
			KeyID:       e.PrimaryKey.KeyIdString(),
		}
		for name := range e.Identities {
			info.UserIDs = append(info.UserIDs, name)
		}
		infos = append(infos, info)
	}
	return infos
}

func fingerprint(e *openpgp.Entity) string {
	return strings.ToUpper(fmt.Sprintf("%x", e.PrimaryKey.Fingerprint))
}

// mergeInto adds keys to ring. Known keys are merged by fingerprint.
func mergeInto(ring *openpgp.EntityList, keys openpgp.EntityList) ImportResult {
	result := ImportResult{Considered: len(keys)}

	for _, key := range keys {
		fpr := fingerprint(key)
		result.Fingerprints = append(result.Fingerprints, fpr)

		existing := findEntity(*ring, key.PrimaryKey.Fingerprint)
		if existing == nil {
			*ring = append(*ring, key)
			result.Imported++
			continue
		}

		ids, subkeys, sigs := mergeEntity(existing, key)
		result.NewUserIDs += ids
		result.NewSubkeys += subkeys
		result.NewSignatures += sigs
		if ids == 0 && subkeys == 0 && sigs == 0 {
			result.Unchanged++
		}
	}

	return result
}

func findEntity(ring openpgp.EntityList, fpr []byte) *openpgp.Entity {
	for _, e := range ring {
		if bytes.Equal(e.PrimaryKey.Fingerprint, fpr) {
			return e
		}
	}
	return nil
}

// mergeEntity folds the user IDs, subkeys and certifications of src into dst.
func mergeEntity(dst, src *openpgp.Entity) (newIDs, newSubkeys, newSigs int) {
	if dst.Identities == nil {
		dst.Identities = make(map[string]*openpgp.Identity)
	}

	for name, srcID := range src.Identities {
		dstID, ok := dst.Identities[name]
		if !ok {
			dst.Identities[name] = srcID
			newIDs++
			continue
		}
		for _, sig := range srcID.Signatures {
			if hasSignature(dstID.Signatures, sig) {
				continue
			}
			dstID.Signatures = append(dstID.Signatures, sig)
			newSigs++
		}
	}

	for _, sub := range src.Subkeys {
		known := false
		for _, have := range dst.Subkeys {
			if bytes.Equal(have.PublicKey.Fingerprint, sub.PublicKey.Fingerprint) {
				known = true
				break
			}
		}
		if !known {
			dst.Subkeys = append(dst.Subkeys, sub)
			newSubkeys++
		}
	}

	return newIDs, newSubkeys, newSigs
}

// hasSignature matches signatures on type, issuer and creation time.
func hasSignature(sigs []*packet.Signature, sig *packet.Signature) bool {
	for _, have := range sigs {
		if have.SigType != sig.SigType || !have.CreationTime.Equal(sig.CreationTime) {
			continue
		}
		if have.IssuerKeyId == nil || sig.IssuerKeyId == nil {
			if have.IssuerKeyId == sig.IssuerKeyId {
				return true
			}
			continue
		}
		if *have.IssuerKeyId == *sig.IssuerKeyId {
			return true
		}
	}
	return false
}
