// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package model binds JSON-RPC parameters to typed argument structs
// and serializes typed results.
//
// An argument model is a struct whose exported fields, in declaration
// order, are the method's positional parameters. The json tag names
// each parameter for named binding and for error attribute paths:
//
//	type UserCreateArgs struct {
//		Data UserCreate `json:"user_create"`
//	}
//
// [Bind] decodes each parameter strictly (unknown object keys are
// rejected unless the method is forward compatible), applies
// `default:"<json>"` tags to absent fields, and then runs
// go-playground/validator rules from `validate` tags. A JSON type
// mismatch stops binding at the first offending parameter; rule
// failures are collected across every field.
//
// [Dump] renders a result value for a client. Fields tagged
// `secret:"true"` are replaced by [Redacted] unless secrets are
// exposed.
package model
