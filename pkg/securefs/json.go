// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package securefs

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/intel/pmsvc/pkg/api"
)

// Schema is a compiled JSON schema persisted files are checked against.
type Schema = jsonschema.Schema

// CompileSchema compiles an inline JSON schema document.
func CompileSchema(name, document string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(document))
	if err != nil {
		return nil, securefsError("failed to parse schema %s: %v", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, securefsError("failed to add schema %s: %v", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, securefsError("failed to compile schema %s: %v", name, err)
	}
	return schema, nil
}

// MustCompileSchema compiles a schema and panics on failure.
func MustCompileSchema(name, document string) *Schema {
	schema, err := CompileSchema(name, document)
	if err != nil {
		log.Panic("%v", err)
	}
	return schema
}

// ReadJSON reads path with ReadFile, validates it against schema and decodes
// it into v. A file which is not valid JSON or does not conform to the schema
// is renamed aside and a corrupt-state error returned.
func (fs *FS) ReadJSON(path string, schema *Schema, v interface{}) error {
	data, err := fs.ReadFile(path)
	if err != nil {
		return err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fs.quarantine(path, securefsError("%q is not valid JSON: %v", path, err))
	}
	if schema != nil {
		if err := schema.Validate(doc); err != nil {
			return fs.quarantine(path, securefsError("%q does not match schema: %v", path, err))
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fs.quarantine(path, securefsError("failed to decode %q: %v", path, err))
	}
	return nil
}

// WriteJSON atomically writes v as JSON to path.
func (fs *FS) WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return api.WrapError(api.KindInternal, err, "failed to encode %q", path)
	}
	return fs.WriteFile(path, append(data, '\n'))
}
