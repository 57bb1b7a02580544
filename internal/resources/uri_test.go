package resources

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		desc           string
		url            string
		err            bool
		wantAccount    string
		wantObjectType string
		wantObjectName string
	}{
		{
			desc: "account is missing, but has leading dot",
			url:  "https://.queue.core.windows.net/objectname",
			err:  true,
		},
		{
			desc: "account is missing",
			url:  "https://queue.core.windows.net/objectname",
			err:  true,
		},
		{
			desc: "invalid object type",
			url:  "https://account.invalid.core.windows.net/objectname",
			err:  true,
		},
		{
			desc: "invalid domain",
			url:  "https://account.blob.core.invalid.net/objectname",
			err:  true,
		},
		{
			desc: "no object name provided",
			url:  "https://account.blob.core.windows.net/",
			err:  true,
		},
		{
			desc: "bad scheme",
			url:  "http://account.table.core.windows.net/objectname",
			err:  true,
		},
		{
			desc:           "success",
			url:            "https://account.table.core.windows.net/objectname",
			wantAccount:    "account",
			wantObjectType: "table",
			wantObjectName: "objectname",
		},
	}

	for _, test := range tests {
		got, err := Parse(test.url)
		switch {
		case err == nil && test.err:
			t.Errorf("Parse(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("Parse(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}

		if got.Account() != test.wantAccount {
			t.Errorf("Parse(%s): Account(): got %s, want %s", test.desc, got.Account(), test.wantAccount)
		}
		if got.ObjectType() != test.wantObjectType {
			t.Errorf("Parse(%s): ObjectType(): got %s, want %s", test.desc, got.ObjectType(), test.wantObjectType)
		}
		if got.ObjectName() != test.wantObjectName {
			t.Errorf("Parse(%s): ObjectName(): got %s, want %s", test.desc, got.ObjectName(), test.wantObjectName)
		}
		if got.String() != test.url {
			t.Errorf("Parse(%s): String(): got %s, want %s", test.desc, got.String(), test.url)
		}
	}
}
