/*
Copyright 2018 The OpenCV Infrastructure Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

// RegressionFilterNames matches the description parameter names that carry
// a regression test filter.
const RegressionFilterNames = `check_regression[s]?`

// Parameter is a name=value pair extracted from a pull-request description.
type Parameter struct {
	Name  string
	Value string
}

var escapeRe = regexp.MustCompile(`\\[^a-zA-Z0-9_]`)

func validateParameterValue(v string) error {
	if escapeRe.MatchString(v) {
		return fmt.Errorf("parameter check failed (escape rule): %q", v)
	}
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == ',' || r == '-' || r == '+' || r == '_' || r == ':' ||
			r == '.' || r == '*' || r == '\\' || r == '/':
		default:
			return fmt.Errorf("parameter check failed: %q", v)
		}
	}
	return nil
}

// ExtractParameterEx finds a "name=value" parameter in a description where
// name matches the nameFilter regex. The parameter must start a line or a
// backtick span. The value charset is restricted; bad escapes are
// rejected.
func ExtractParameterEx(desc, nameFilter string) (*Parameter, error) {
	if desc == "" {
		return nil, nil
	}
	quick, err := regexp.Compile(nameFilter + `=`)
	if err != nil {
		return nil, err
	}
	if !quick.MatchString(desc) {
		return nil, nil
	}
	re, err := regexp.Compile("(^|`|\n|\r)(?P<name>" + nameFilter + ")=(?P<value>[^\r\n\t `]*)(\r|\n|`|$)")
	if err != nil {
		return nil, err
	}
	m := re.FindStringSubmatch(desc)
	if m == nil {
		return nil, nil
	}
	var name, value string
	for i, group := range re.SubexpNames() {
		switch group {
		case "name":
			name = m[i]
		case "value":
			value = m[i]
		}
	}
	if err := validateParameterValue(value); err != nil {
		return nil, fmt.Errorf("parameter %q=%q: %v", name, value, err)
	}
	return &Parameter{Name: name, Value: value}, nil
}

// ExtractParameter returns the value of the first matching parameter.
func ExtractParameter(desc, nameFilter string) (string, bool) {
	p, err := ExtractParameterEx(desc, nameFilter)
	if err != nil || p == nil {
		return "", false
	}
	return p.Value, true
}

// ExtractRegressionTestFilter returns the regression filter from a
// pull-request description, if present and valid.
func ExtractRegressionTestFilter(desc string) (string, bool) {
	return ExtractParameter(desc, RegressionFilterNames)
}

// PushBuildProperty extracts a parameter and applies it to the property
// set under propertyName. Returns the parameter when applied.
func PushBuildProperty(properties map[string]string, desc, nameFilter, propertyName string) *Parameter {
	p, err := ExtractParameterEx(desc, nameFilter)
	if err != nil || p == nil {
		return nil
	}
	logrus.Infof("Apply property %q=%q (from field %q)", propertyName, p.Value, p.Name)
	properties[propertyName] = p.Value
	return p
}
