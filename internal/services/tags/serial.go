package tags

import "github.com/google/uuid"

// Serial alphabet without 0/O, 1/I/L.
const serialAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const maxSerialAttempts = 64

func (s *Service) newSerial() string {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()

	b := make([]byte, s.opts.SerialLength)
	for i := range b {
		b[i] = serialAlphabet[s.rnd.Intn(len(serialAlphabet))]
	}
	return string(b)
}

func newPublicID() string {
	return uuid.NewString()
}

// ValidSerial reports whether code could have been issued by the registry.
func ValidSerial(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		found := false
		for j := 0; j < len(serialAlphabet); j++ {
			if code[i] == serialAlphabet[j] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
