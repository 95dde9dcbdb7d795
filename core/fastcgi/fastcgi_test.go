package fastcgi

import "testing"

func TestParserBeginParamsStdin(t *testing.T) {
	var order []string
	var method string

	p := NewParser(Callbacks{
		OnBeginRequest: func(reqID uint16, role uint16, keepConn bool) {
			order = append(order, "begin")
		},
		OnParam: func(reqID uint16, key, value string) {
			if key == "REQUEST_METHOD" {
				method = value
			}
		},
		OnParamsEnd: func(reqID uint16) {
			order = append(order, "headerend")
		},
		OnStdinEnd: func(reqID uint16) {
			order = append(order, "end")
		},
	})

	begin := Header{Version: 1, Type: TypeBeginRequest, RequestID: 1, ContentLength: 8}
	beginBody := BeginRequestBody{Role: RoleResponder}.encodeForTest()
	var data []byte
	data = append(data, begin.encode()...)
	data = append(data, beginBody...)

	var paramContent []byte
	paramContent = appendNV(paramContent, "REQUEST_METHOD", "GET")
	paramsHdr := Header{Version: 1, Type: TypeParams, RequestID: 1, ContentLength: uint16(len(paramContent))}
	data = append(data, paramsHdr.encode()...)
	data = append(data, paramContent...)

	emptyParams := Header{Version: 1, Type: TypeParams, RequestID: 1, ContentLength: 0}
	data = append(data, emptyParams.encode()...)

	emptyStdin := Header{Version: 1, Type: TypeStdIn, RequestID: 1, ContentLength: 0}
	data = append(data, emptyStdin.encode()...)

	if _, err := p.Execute(data); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if method != "GET" {
		t.Fatalf("method = %q, want GET", method)
	}
	if len(order) != 3 || order[0] != "begin" || order[1] != "headerend" || order[2] != "end" {
		t.Fatalf("event order = %v, want [begin headerend end]", order)
	}
}

func (b BeginRequestBody) encodeForTest() []byte {
	body := make([]byte, 8)
	body[0] = byte(b.Role >> 8)
	body[1] = byte(b.Role)
	if b.KeepConn {
		body[2] = 1
	}
	return body
}

func TestHeaderNameFromParam(t *testing.T) {
	name, ok := HeaderNameFromParam("HTTP_X_FORWARDED_FOR")
	if !ok || name != "X-Forwarded-For" {
		t.Fatalf("HeaderNameFromParam = %q, %v, want X-Forwarded-For, true", name, ok)
	}
	if _, ok := HeaderNameFromParam("REQUEST_METHOD"); ok {
		t.Fatal("REQUEST_METHOD should not be treated as an HTTP_ param")
	}
}
