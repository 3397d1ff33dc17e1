// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns the bcrypt hash of password. A zero cost uses
// bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. Malformed
// hashes never match.
func CheckPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// dummyHash is compared against when the account does not exist so
// that unknown and known usernames take the same time to reject.
var dummyHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.DefaultCost)
	if err != nil {
		panic(errors.Join(errors.New("auth: generating dummy hash"), err))
	}
	return hash
}()
