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

import "testing"

func TestGitSSHPattern(t *testing.T) {
	valid := []string{
		"git@github.com:owner/repo.git",
		"git@github.com:owner/repo",
		"ssh://git@github.com/owner/repo.git",
		"git@bitbucket.org:team/some.repo.git",
		"deploy-bot@git.internal.io:services/sonar",
		"ssh://git@git.internal.io/~user/repo",
	}
	for _, url := range valid {
		if !gitSSHPattern.MatchString(url) {
			t.Errorf("rejected %q", url)
		}
	}

	invalid := []string{
		"",
		"https://github.com/owner/repo.git",
		"/srv/repos/local",
		"owner/repo.git",
		"git@",
		"git@host",
		"git@host.com: path with spaces",
	}
	for _, url := range invalid {
		if gitSSHPattern.MatchString(url) {
			t.Errorf("accepted %q", url)
		}
	}
}

func TestRegisterValidators_Idempotent(t *testing.T) {
	if err := registerValidators(); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := registerValidators(); err != nil {
		t.Fatalf("repeat registration: %v", err)
	}
}
