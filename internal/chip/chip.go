// Package chip maps Sonix SN8F5xxx chip identifiers to device parameters.
package chip

import "fmt"

// Info describes a chip series.
type Info struct {
	Series    string
	FlashSize uint32
	PageSize  int
}

func (i Info) String() string {
	return fmt.Sprintf("%s series, %d bytes flash, %d-byte pages", i.Series, i.FlashSize, i.PageSize)
}

// idRange covers chip IDs in [first, last).
type idRange struct {
	first uint32
	last  uint32
	info  Info
}

// Values copied from SNLINK_C51.INI of the vendor Keil plug-in.
var table = [...]idRange{
	{0x1110, 0x1120, Info{"SNPD5111", 0x4000, 0x20}},
	{0x2710, 0x2720, Info{"SN8F5283", 0x4000, 0x20}},
	{0x6100, 0x6110, Info{"SN8F5701", 0x1000, 0x20}},
	{0x6110, 0x6120, Info{"SN8F5721", 0x1000, 0x20}},
	{0x6200, 0x6216, Info{"SN8F5702", 0x1000, 0x20}},
	{0x6216, 0x6220, Info{"SN8F5702A", 0x1000, 0x20}},
	{0x6220, 0x6230, Info{"SN8F5732", 0x4000, 0x20}},
	{0x6240, 0x6250, Info{"SN8F5762", 0x4800, 0x40}},
	{0x6260, 0x6270, Info{"SN8F5782", 0x10000, 0x40}},
	{0x6270, 0x6280, Info{"SN8F5602", 0x4800, 0x40}},
	{0x6300, 0x6310, Info{"SN8F5703", 0x2000, 0x20}},
	{0x6310, 0x6330, Info{"SN8F5713", 0x2000, 0x20}},
	{0x6330, 0x6336, Info{"SN8F5703", 0x2000, 0x20}},
	{0x6336, 0x6340, Info{"SN8F5703A", 0x2000, 0x20}},
	{0x6400, 0x6410, Info{"SN8F5754", 0x4000, 0x20}},
	{0x6700, 0x6720, Info{"SN8F5708", 0x4000, 0x20}},
	{0x8401, 0x8410, Info{"SN8F5804", 0x2000, 0x20}},
	{0x8410, 0x8420, Info{"SN8F5814", 0x4000, 0x20}},
	{0x8420, 0x8430, Info{"SN8F5804A", 0x2000, 0x20}},
	{0x8500, 0x8510, Info{"SN8F5835", 0x8000, 0x40}},
	{0x8700, 0x8710, Info{"SN8F5858", 0x4000, 0x20}},
	{0x8800, 0x8820, Info{"SN8F5829", 0x8000, 0x40}},
	{0x8820, 0x8830, Info{"SN8F5840", 0x8000, 0x40}},
	{0x8830, 0x8840, Info{"SN8F5869", 0x10000, 0x40}},
	{0x9901, 0x9910, Info{"SN8F5900", 0x10000, 0x40}},
	{0x9910, 0x9920, Info{"SN8F5910", 0x8000, 0x40}},
	{0x9920, 0x9930, Info{"SN8F5900A", 0x10000, 0x40}},
	{0x9930, 0x9940, Info{"SN8F5930", 0x20000, 0x40}},
	{0x9940, 0x9950, Info{"SN8F5920", 0x8000, 0x40}},
	{0x9950, 0x9960, Info{"SN8F5950", 0x20000, 0x40}},
	{0x9960, 0x9970, Info{"SN8F5960", 0x10000, 0x40}},
	{0x99A0, 0x99B0, Info{"SN8F5900B", 0x10000, 0x40}},
	{0x99B0, 0x99C0, Info{"SN8F5940", 0x20000, 0x40}},
	{0x99C0, 0x99D0, Info{"SN8F5900C", 0x10000, 0x40}},
}

// Lookup returns the chip description for id.
func Lookup(id uint32) (Info, bool) {
	for _, r := range table {
		if id >= r.first && id < r.last {
			return r.info, true
		}
	}
	return Info{}, false
}

// Name returns the series name for id, or "unknown".
func Name(id uint32) string {
	if info, ok := Lookup(id); ok {
		return info.Series
	}
	return "unknown"
}
