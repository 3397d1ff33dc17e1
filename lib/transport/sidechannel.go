// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/model"
)

// maxUploadDescriptor bounds the JSON "data" part of an upload.
const maxUploadDescriptor = 64 * 1024

type uploadDescriptor struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// serveUpload starts a job method with an input pipe and streams the
// "file" part of a multipart request into it. The "data" part must come
// first.
func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	if s.authenticator == nil || s.jobs == nil {
		writeHTTPError(w, http.StatusNotFound, apierror.Call(apierror.ENOTSUP, "Uploads are not available"))
		return
	}
	credential, err := s.httpCredential(r)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, err)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, apierror.Call(apierror.EINVAL, "Expected a multipart request: %v", err))
		return
	}
	part, err := reader.NextPart()
	if err != nil || part.FormName() != "data" {
		writeHTTPError(w, http.StatusBadRequest, apierror.Call(apierror.EINVAL, "The first part must be \"data\""))
		return
	}
	var descriptor uploadDescriptor
	if err := json.NewDecoder(io.LimitReader(part, maxUploadDescriptor)).Decode(&descriptor); err != nil {
		writeHTTPError(w, http.StatusBadRequest, apierror.Call(apierror.EINVAL, "Invalid \"data\" part: %v", err))
		return
	}
	if !s.dispatcher.Uploadable(descriptor.Method) {
		writeHTTPError(w, http.StatusBadRequest, apierror.Call(apierror.EINVAL, "%s does not accept uploads", descriptor.Method))
		return
	}
	file, err := reader.NextPart()
	if err != nil || file.FormName() != "file" {
		writeHTTPError(w, http.StatusBadRequest, apierror.Call(apierror.EINVAL, "Missing \"file\" part"))
		return
	}

	session := s.sessions.Open(auth.Origin{Transport: "http", RemoteAddr: r.RemoteAddr, PeerUID: -1}, nil)
	defer s.sessions.Close(session)
	session.SetCredential(credential)

	result, err := s.dispatcher.Call(r.Context(), session, descriptor.Method, model.Params{Positional: descriptor.Params})
	if err != nil {
		writeHTTPError(w, statusFor(err), err)
		return
	}
	id, ok := result.(int64)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, apierror.Internal(fmt.Errorf("transport: %s returned %T, not a job id", descriptor.Method, result)))
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		writeHTTPError(w, statusFor(err), err)
		return
	}
	if err := job.Upload(file); err != nil {
		s.logger.Info("upload failed", "job_id", id, "error", err)
		writeHTTPError(w, http.StatusBadRequest, apierror.Call(apierror.EINVAL, "Upload failed: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"job_id": id})
}

// httpCredential authenticates a side-channel request from its
// Authorization header: "Token <token>", "Bearer <token>" or Basic.
func (s *Server) httpCredential(r *http.Request) (*auth.Credential, error) {
	header := r.Header.Get("Authorization")
	if scheme, token, found := strings.Cut(header, " "); found {
		switch strings.ToLower(scheme) {
		case "token", "bearer":
			credential, err := s.authenticator.Token(strings.TrimSpace(token))
			if err != nil {
				return nil, apierror.NotAuthenticated()
			}
			return credential, nil
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		credential, err := s.authenticator.Password(r.Context(), username, password)
		if err != nil {
			return nil, apierror.NotAuthenticated()
		}
		return credential, nil
	}
	return nil, apierror.NotAuthenticated()
}

// serveDownload streams the job output or log bound to a download
// token.
func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request) {
	if s.authenticator == nil || s.jobs == nil {
		writeHTTPError(w, http.StatusNotFound, apierror.Call(apierror.ENOTSUP, "Downloads are not available"))
		return
	}
	claims, err := s.authenticator.VerifyDownload(r.PathValue("token"))
	if err != nil {
		s.logger.Debug("download token rejected", "remote_addr", r.RemoteAddr, "error", err)
		writeHTTPError(w, http.StatusUnauthorized, apierror.PermissionDenied(apierror.EACCES, "Invalid or expired download token"))
		return
	}

	var source io.Reader
	if claims.Logs {
		logs, err := s.jobs.DownloadLogs(claims.JobID)
		if err != nil {
			writeHTTPError(w, statusFor(err), err)
			return
		}
		defer logs.Close()
		source = logs
	} else {
		job, err := s.jobs.Get(claims.JobID)
		if err != nil {
			writeHTTPError(w, statusFor(err), err)
			return
		}
		source = job.OutputReader()
		if source == nil {
			writeHTTPError(w, http.StatusNotFound, apierror.NotFound("Job %d has no output", claims.JobID))
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if claims.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": claims.Filename}))
	}
	if _, err := io.Copy(w, source); err != nil {
		s.logger.Debug("download interrupted", "job_id", claims.JobID, "error", err)
	}
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.Kind {
	case apierror.KindValidation, apierror.KindCall:
		return http.StatusBadRequest
	case apierror.KindNotAuthenticated:
		return http.StatusUnauthorized
	case apierror.KindPermissionDenied:
		return http.StatusForbidden
	case apierror.KindInstanceNotFound:
		return http.StatusNotFound
	case apierror.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeHTTPError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": apierror.From(err).ToWire(false)})
}
