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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtractParameter(t *testing.T) {
	var testcases = []struct {
		name   string
		desc   string
		expect string
		found  bool
	}{
		{
			name: "empty description",
			desc: "",
		},
		{
			name:   "plain parameter on its own line",
			desc:   "Fixes the resize kernel\ncheck_regression=abc,def\n",
			expect: "abc,def",
			found:  true,
		},
		{
			name:   "parameter at the start",
			desc:   "check_regressions=dnn.*",
			expect: "dnn.*",
			found:  true,
		},
		{
			name:   "parameter inside backticks",
			desc:   "Run `check_regression=core/test_mat` please",
			expect: "core/test_mat",
			found:  true,
		},
		{
			name: "parameter must start a line",
			desc: "see check_regression=abc",
		},
		{
			name: "rejected escape sequence",
			desc: "check_regression=abc\\,def",
		},
		{
			name: "rejected charset",
			desc: "check_regression=abc;rm",
		},
		{
			name:   "allowed charset",
			desc:   "check_regression=a-b+c_d:e.f*g/h\\i",
			expect: "a-b+c_d:e.f*g/h\\i",
			found:  true,
		},
		{
			name:   "value followed by whitespace is not matched",
			desc:   "check_regression=abc def",
			expect: "", // a space is not a value terminator, so nothing matches
			found:  false,
		},
	}
	for _, tc := range testcases {
		got, ok := ExtractRegressionTestFilter(tc.desc)
		if ok != tc.found {
			t.Errorf("%s: found=%v, expected %v", tc.name, ok, tc.found)
			continue
		}
		if ok && got != tc.expect {
			t.Errorf("%s: got %q, expected %q", tc.name, got, tc.expect)
		}
	}
}

func TestExtractParameterExName(t *testing.T) {
	p, err := ExtractParameterEx("check_regressions=abc", RegressionFilterNames)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "check_regressions" || p.Value != "abc" {
		t.Fatalf("unexpected parameter: %+v", p)
	}
}

func TestPushBuildProperty(t *testing.T) {
	properties := map[string]string{}
	p := PushBuildProperty(properties, "check_regression=abc", RegressionFilterNames, "regression_test_filter")
	if p == nil {
		t.Fatal("expected parameter to be applied")
	}
	if properties["regression_test_filter"] != "abc" {
		t.Errorf("property was not set: %v", properties)
	}
}

func loadConfig(t *testing.T, raw string) (*Config, error) {
	dir, err := ioutil.TempDir("", "config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "config.yaml")
	if err := ioutil.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

func TestLoadDefaults(t *testing.T) {
	c, err := loadConfig(t, "name: Test PRs\n")
	if err != nil {
		t.Fatal(err)
	}
	if c.DBName != "pullrequests" || c.URLPath != "pullrequests" {
		t.Errorf("defaults were not applied: %+v", c)
	}
	if c.UpdateDelay() != 120*time.Second {
		t.Errorf("default update delay is %v", c.UpdateDelay())
	}
	if c.Executor.RequestTimeout != 60*time.Second {
		t.Errorf("default request timeout is %v", c.Executor.RequestTimeout)
	}
}

func TestLoadRejectsDuplicatedNames(t *testing.T) {
	_, err := loadConfig(t, `
builders:
  linux:
    name: t1
    builders: [runtests1]
    order: 0
  linux2:
    name: t1
    builders: [runtests2]
    order: 1
`)
	if err == nil {
		t.Fatal("expected duplicated display names to be rejected")
	}
}

func TestLoadRejectsEmptyBuilderList(t *testing.T) {
	_, err := loadConfig(t, `
builders:
  linux:
    name: t1
    builders: []
    order: 0
`)
	if err == nil {
		t.Fatal("expected empty builder list to be rejected")
	}
}

func TestInternalNameForBuilder(t *testing.T) {
	c, err := loadConfig(t, `
builders:
  linux:
    name: t1
    builders: [runtests1, runtests1-slave2]
    order: 0
`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.InternalNameForBuilder("runtests1-slave2")
	if err != nil {
		t.Fatal(err)
	}
	if got != "linux" {
		t.Errorf("got %q, expected linux", got)
	}
	if _, err := c.InternalNameForBuilder("unknown"); err == nil {
		t.Error("expected unknown builder to error")
	}
}
