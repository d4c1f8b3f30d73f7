// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sonar

import (
	"errors"
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// gitSSHPattern accepts the two SSH remote spellings git understands:
// scp-like addresses (git@host:owner/repo.git) and explicit ssh:// URLs.
// HTTPS remotes and bare local paths are rejected; the clone endpoint is
// built around deploy-key access.
var gitSSHPattern = regexp.MustCompile(`^(?:ssh://)?[\w-]+@[\w.-]+[:/][~\w./-]+$`)

var (
	validatorOnce sync.Once
	validatorErr  error
)

// registerValidators installs the custom binding rules on gin's validator
// engine. Idempotent; the first error is remembered and returned on every
// call.
//
// Rules:
//
//	gitssh - field must look like a git SSH remote
func registerValidators() error {
	validatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			validatorErr = errors.New("sonar: gin binding validator is not *validator.Validate")
			return
		}
		validatorErr = v.RegisterValidation("gitssh", func(fl validator.FieldLevel) bool {
			return gitSSHPattern.MatchString(fl.Field().String())
		})
	})
	return validatorErr
}
