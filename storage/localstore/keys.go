package localstore

// Key layout, one byte of prefix then NUL-joined string ids. Owner and
// binder ids must not contain NUL.
//
//	'B' owner 0x00 binderID            -> binder TLV
//	'C' owner 0x00 binderID 0x00 cardID -> card TLV
//	'S' owner                           -> settings TLV
//
// The 'T' prefix is reserved for the binder state records written by
// the state package.
const (
	prefBinder   = 'B'
	prefCard     = 'C'
	prefSettings = 'S'
)

const sep = 0x00

func binderKey(ownerID, binderID string) []byte {
	key := make([]byte, 0, 2+len(ownerID)+len(binderID))
	key = append(key, prefBinder)
	key = append(key, ownerID...)
	key = append(key, sep)
	key = append(key, binderID...)
	return key
}

func cardKey(ownerID, binderID, cardID string) []byte {
	key := make([]byte, 0, 3+len(ownerID)+len(binderID)+len(cardID))
	key = append(key, prefCard)
	key = append(key, ownerID...)
	key = append(key, sep)
	key = append(key, binderID...)
	key = append(key, sep)
	key = append(key, cardID...)
	return key
}

func settingsKey(ownerID string) []byte {
	key := make([]byte, 0, 1+len(ownerID))
	key = append(key, prefSettings)
	key = append(key, ownerID...)
	return key
}

func binderPrefix(ownerID string) []byte {
	key := make([]byte, 0, 2+len(ownerID))
	key = append(key, prefBinder)
	key = append(key, ownerID...)
	key = append(key, sep)
	return key
}

func cardPrefix(ownerID, binderID string) []byte {
	key := make([]byte, 0, 3+len(ownerID)+len(binderID))
	key = append(key, prefCard)
	key = append(key, ownerID...)
	key = append(key, sep)
	key = append(key, binderID...)
	key = append(key, sep)
	return key
}

// prefixEnd is the exclusive upper bound of all keys starting with p.
func prefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // p is all 0xff, no upper bound
}
