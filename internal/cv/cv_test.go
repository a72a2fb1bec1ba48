package cv

import "testing"

func TestDevice(t *testing.T) {
	if d, ok := device("0").(int); !ok || d != 0 {
		t.Errorf(`device("0") = %v`, device("0"))
	}
	if d, ok := device(" 2 ").(int); !ok || d != 2 {
		t.Errorf(`device(" 2 ") = %v`, device(" 2 "))
	}
	if d, ok := device("http://192.168.1.5:8080/video").(string); !ok || d != "http://192.168.1.5:8080/video" {
		t.Errorf("url origin = %v", d)
	}
}
