/*
Copyright © 2020 Marvin

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
package stringutil

import (
	"reflect"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	for _, plain := range []string{"root", "p@ss word", "0123456789abcdef"} {
		cipherText, err := Encrypt(plain, DefaultSecretKey)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decrypt(cipherText, DefaultSecretKey)
		if err != nil {
			t.Fatal(err)
		}
		if got != plain {
			t.Errorf("Decrypt() = %v, want %v", got, plain)
		}
	}
	if _, err := Decrypt("YWJj", DefaultSecretKey); err == nil {
		t.Error("a short ciphertext must be rejected")
	}
}

func TestStringItemsFilterDifference(t *testing.T) {
	got := StringItemsFilterDifference([]string{"c", "a", "b", "d"}, []string{"b"})
	if !reflect.DeepEqual(got, []string{"a", "c", "d"}) {
		t.Errorf("StringItemsFilterDifference() = %v", got)
	}
}

func TestWrapSchemes(t *testing.T) {
	got := WrapSchemes("127.0.0.1:2379, https://10.0.0.1:2379,", false)
	want := []string{"http://127.0.0.1:2379", "https://10.0.0.1:2379"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("WrapSchemes() = %v, want %v", got, want)
	}
	if WithHostPort(":18080") != "127.0.0.1:18080" {
		t.Errorf("WithHostPort() = %v", WithHostPort(":18080"))
	}
}
