package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceIdentifier(t *testing.T) {
	assert.Equal(t, "06901234567892", DeviceIdentifier(" 06901234567892 "))
	assert.Equal(t, "06901234567892", DeviceIdentifier("(01)06901234567892"))
	assert.Equal(t, "06901234567892", DeviceIdentifier("（01）０６９０１２３４５６７８９２"))
	assert.Equal(t, "MA156ABC", DeviceIdentifier("ma.156-abc"))
	assert.Equal(t, "", DeviceIdentifier("无"))
}

func TestDeviceIdentifier_Idempotent(t *testing.T) {
	for _, in := range []string{"(01)06901234567892", "ma.156 abc", "（01）x"} {
		n := DeviceIdentifier(in)
		assert.Equal(t, n, DeviceIdentifier(n), in)
	}
}

func TestValidGTIN(t *testing.T) {
	assert.True(t, ValidGTIN("06901234567892"))
	assert.True(t, ValidGTIN("4006381333931"))
	assert.True(t, ValidGTIN("036000291452"))
	assert.True(t, ValidGTIN("96385074"))
	assert.False(t, ValidGTIN("06901234567891"))
	assert.False(t, ValidGTIN("0690123456789X"))
	assert.False(t, ValidGTIN("123"))
}

func TestText(t *testing.T) {
	assert.Equal(t, "一次性使用 无菌注射器", Text("  一次性使用　　无菌注射器\n"))
	assert.Equal(t, "ABC 12", Text("ＡＢＣ　１２"))
}

func TestDate(t *testing.T) {
	tests := map[string]string{
		"2022-03-01":          "2022-03-01",
		"2022/3/1":            "2022-03-01",
		"2022.03.01":          "2022-03-01",
		"20220301":            "2022-03-01",
		"2022年03月01日":         "2022-03-01",
		"2022年3月1日":           "2022-03-01",
		"2022-03-01 10:00:00": "2022-03-01",
		"44621":               "2022-03-01",
	}
	for in, want := range tests {
		got, ok := Date(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := Date("长期")
	assert.False(t, ok)
	_, ok = Date("")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "ACTIVE", Status("有效"))
	assert.Equal(t, "CANCELLED", Status(" 注销 "))
	assert.Equal(t, "CANCELLED", Status("canceled"))
	assert.Equal(t, "EXPIRED", Status("失效"))
	assert.Equal(t, "SUSPENDED", Status("suspended"))
	assert.Equal(t, Status(Status("变更中")), Status("变更中"))
}
