// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apierror

// Errno values. The POSIX subset matches Linux numbering; values at or
// above 201 are middleware-specific.
const (
	ENOENT    = 2
	EAGAIN    = 11
	EACCES    = 13
	EFAULT    = 14
	EBUSY     = 16
	EEXIST    = 17
	EINVAL    = 22
	ENOTSUP   = 95
	ETIMEDOUT = 110
	ECANCELED = 125

	ENOMETHOD                = 201
	ESERVICESTARTFAILURE     = 202
	EALERTCHECKERUNAVAILABLE = 203
	EREMOTENODEERROR         = 204
	EDATASETISLOCKED         = 205
	EINVALIDRRDTIMESTAMP     = 206
	ENOTAUTHENTICATED        = 207
	ETOOMANYREQUESTS         = EAGAIN
)

var errnoNames = map[int]string{
	ENOENT:                   "ENOENT",
	EAGAIN:                   "EAGAIN",
	EACCES:                   "EACCES",
	EFAULT:                   "EFAULT",
	EBUSY:                    "EBUSY",
	EEXIST:                   "EEXIST",
	EINVAL:                   "EINVAL",
	ENOTSUP:                  "ENOTSUP",
	ETIMEDOUT:                "ETIMEDOUT",
	ECANCELED:                "ECANCELED",
	ENOMETHOD:                "ENOMETHOD",
	ESERVICESTARTFAILURE:     "ESERVICESTARTFAILURE",
	EALERTCHECKERUNAVAILABLE: "EALERTCHECKERUNAVAILABLE",
	EREMOTENODEERROR:         "EREMOTENODEERROR",
	EDATASETISLOCKED:         "EDATASETISLOCKED",
	EINVALIDRRDTIMESTAMP:     "EINVALIDRRDTIMESTAMP",
	ENOTAUTHENTICATED:        "ENOTAUTHENTICATED",
}

// ErrnoName returns the symbolic name of errno, or "" if unknown.
func ErrnoName(errno int) string { return errnoNames[errno] }
