// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package activation

import (
	"fmt"

	"github.com/capsule-foundation/capsule/lib/capsule"
	"github.com/capsule-foundation/capsule/lib/repository"
)

// SelectForActivation picks the activation set from all known
// candidates grouped by name. For every package there can be at most
// two candidates: the pre-installed copy and the data copy.
//
// A name with no pre-installed entry in the repository contributes
// nothing: only packages with a trusted factory lineage are eligible
// at all, which is what stops a corrupted or malicious update from
// introducing an entirely new package identity. Within an eligible
// name the higher version wins, and an equal version resolves to the
// updated copy over the factory copy. Shared-library capsules are
// exempt from single-winner selection: all their versions are
// returned, because unrelated clients may have been built against
// different library versions.
//
// More than two candidates for one name means the scan itself
// misbehaved; that is reported as an *repository.IntegrityError.
func SelectForActivation(grouped map[string][]*capsule.Capsule, repo *repository.Repository) ([]*capsule.Capsule, error) {
	result := make([]*capsule.Capsule, 0, len(grouped))

	for name, candidates := range grouped {
		if len(candidates) == 0 || len(candidates) > 2 {
			return nil, &repository.IntegrityError{
				Name:   name,
				Reason: fmt.Sprintf("expected one or two candidates, found %d", len(candidates)),
			}
		}

		if !repo.HasPreInstalled(name) {
			continue
		}

		if len(candidates) == 1 {
			result = append(result, candidates[0])
			continue
		}

		first, second := candidates[0], candidates[1]
		if first.ProvidesSharedLibs() || second.ProvidesSharedLibs() {
			result = append(result, first, second)
			continue
		}

		switch {
		case first.Version() > second.Version():
			result = append(result, first)
		case second.Version() > first.Version():
			result = append(result, second)
		case repo.IsPreInstalled(first):
			// Equal versions: the updated copy outranks the factory
			// copy.
			result = append(result, second)
		default:
			result = append(result, first)
		}
	}

	return result, nil
}
