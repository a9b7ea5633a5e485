/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package urlutils holds small URL helpers shared by the task-identity
// and registration paths.
package urlutils

import "net/url"

// FilterURLParam removes the given query keys from rawURL, returning rawURL
// unchanged if it fails to parse. The remaining params keep their casing
// but are re-encoded sorted by key; filtered params are dropped entirely,
// not blanked.
func FilterURLParam(rawURL string, filters []string) string {
	if len(filters) == 0 {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	for _, key := range filters {
		if key == "" {
			continue
		}
		q.Del(key)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
