// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"crypto/des" // #nosec G502 - DES is mandated by the VNC authentication scheme (RFC 6143)
	"crypto/rand"
	"crypto/subtle"
	"math/bits"
)

// VNC authentication sizes fixed by the protocol.
const (
	vncChallengeSize   = 16
	desKeySize         = 8
	vncMaxPasswordSize = 8
)

// makeChallenge generates the 16-byte random challenge for VNCAuth.
func makeChallenge() ([]byte, error) {
	challenge := make([]byte, vncChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, authenticationError("makeChallenge", "failed to generate challenge", err)
	}
	return challenge, nil
}

// encryptChallenge computes the expected VNCAuth response: the two 8-byte
// halves of the challenge DES-encrypted independently under a key derived
// from the password.
//
// The key transform is the protocol's non-standard quirk: the password is
// null-padded (or truncated) to 8 bytes and every byte is bit-reversed
// before being used as a DES key. Existing VNC clients depend on this exact
// transform; it must never be "fixed".
func encryptChallenge(challenge []byte, passwd string) ([]byte, error) {
	const op = "encryptChallenge"

	if len(challenge) != vncChallengeSize {
		return nil, validationError(op, "challenge must be exactly 16 bytes", nil)
	}

	key := make([]byte, desKeySize)
	for i := 0; i < desKeySize && i < len(passwd) && i < vncMaxPasswordSize; i++ {
		key[i] = bits.Reverse8(passwd[i])
	}

	block, err := des.NewCipher(key) // #nosec G405 - required by the VNC protocol
	if err != nil {
		return nil, authenticationError(op, "failed to create DES cipher", err)
	}

	response := make([]byte, vncChallengeSize)
	block.Encrypt(response[:desKeySize], challenge[:desKeySize])
	block.Encrypt(response[desKeySize:], challenge[desKeySize:])
	return response, nil
}

// challengeMatches reports whether a client response matches the challenge
// under the given password, in constant time.
func challengeMatches(challenge, response []byte, passwd string) bool {
	expected, err := encryptChallenge(challenge, passwd)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, response) == 1
}
