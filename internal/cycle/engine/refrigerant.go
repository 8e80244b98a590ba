package engine

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfRange is returned for states outside the property table.
var ErrOutOfRange = errors.New("refrigerant: state outside property table")

// Saturation is the two-phase boundary at one temperature.
// Enthalpies are kJ/kg, pressure kPa, vapor specific volume m3/kg.
type Saturation struct {
	TC   float64
	PKPa float64
	HfKJ float64
	HgKJ float64
	VgM3 float64
}

// Fluid is a working fluid described by a saturation table ordered by
// ascending temperature.
type Fluid struct {
	name  string
	table []Saturation
	// heat capacity ratio of the vapor, used for the compression work.
	kappa float64
}

var r134aTable = []Saturation{
	{TC: -40, PKPa: 51.2, HfKJ: 148.1, HgKJ: 374.3, VgM3: 0.3614},
	{TC: -30, PKPa: 84.4, HfKJ: 160.0, HgKJ: 380.3, VgM3: 0.2259},
	{TC: -20, PKPa: 132.7, HfKJ: 173.6, HgKJ: 386.6, VgM3: 0.1464},
	{TC: -10, PKPa: 200.6, HfKJ: 186.7, HgKJ: 392.7, VgM3: 0.0994},
	{TC: 0, PKPa: 292.8, HfKJ: 200.0, HgKJ: 398.6, VgM3: 0.0689},
	{TC: 10, PKPa: 414.6, HfKJ: 213.6, HgKJ: 404.3, VgM3: 0.0494},
	{TC: 20, PKPa: 571.7, HfKJ: 227.5, HgKJ: 409.7, VgM3: 0.0359},
	{TC: 30, PKPa: 770.2, HfKJ: 241.7, HgKJ: 414.8, VgM3: 0.0266},
	{TC: 40, PKPa: 1016.6, HfKJ: 256.4, HgKJ: 419.4, VgM3: 0.0200},
	{TC: 50, PKPa: 1318.1, HfKJ: 271.6, HgKJ: 423.4, VgM3: 0.0151},
	{TC: 60, PKPa: 1681.8, HfKJ: 287.5, HgKJ: 426.6, VgM3: 0.0114},
	{TC: 70, PKPa: 2116.2, HfKJ: 304.3, HgKJ: 428.8, VgM3: 0.0086},
	{TC: 80, PKPa: 2632.4, HfKJ: 322.2, HgKJ: 429.6, VgM3: 0.0064},
	{TC: 90, PKPa: 3243.5, HfKJ: 341.9, HgKJ: 428.0, VgM3: 0.0046},
	{TC: 100, PKPa: 3972.4, HfKJ: 365.1, HgKJ: 420.4, VgM3: 0.0031},
}

// R134a returns the default working fluid.
func R134a() *Fluid {
	return &Fluid{name: "R134a", table: r134aTable, kappa: 1.12}
}

// Name returns the fluid name.
func (f *Fluid) Name() string {
	return f.name
}

// Range returns the temperature span of the table.
func (f *Fluid) Range() (minC, maxC float64) {
	return f.table[0].TC, f.table[len(f.table)-1].TC
}

// AtTemperature interpolates the saturation state at tC.
func (f *Fluid) AtTemperature(tC float64) (Saturation, error) {
	lo, hi := f.Range()
	if !(tC >= lo && tC <= hi) {
		return Saturation{}, fmt.Errorf("%w: %s at %.2f C (table %.0f..%.0f C)", ErrOutOfRange, f.name, tC, lo, hi)
	}
	i := sort.Search(len(f.table), func(i int) bool { return f.table[i].TC >= tC })
	if i == 0 {
		return f.table[0], nil
	}
	a, b := f.table[i-1], f.table[i]
	return Saturation{
		TC:   tC,
		PKPa: linearInterp(tC, a.TC, b.TC, a.PKPa, b.PKPa),
		HfKJ: linearInterp(tC, a.TC, b.TC, a.HfKJ, b.HfKJ),
		HgKJ: linearInterp(tC, a.TC, b.TC, a.HgKJ, b.HgKJ),
		VgM3: linearInterp(tC, a.TC, b.TC, a.VgM3, b.VgM3),
	}, nil
}

// TemperatureAt inverts the saturation pressure curve.
func (f *Fluid) TemperatureAt(pKPa float64) (float64, error) {
	first, last := f.table[0], f.table[len(f.table)-1]
	if !(pKPa >= first.PKPa && pKPa <= last.PKPa) {
		return 0, fmt.Errorf("%w: %s at %.1f kPa", ErrOutOfRange, f.name, pKPa)
	}
	i := sort.Search(len(f.table), func(i int) bool { return f.table[i].PKPa >= pKPa })
	if i == 0 {
		return first.TC, nil
	}
	a, b := f.table[i-1], f.table[i]
	return linearInterp(pKPa, a.PKPa, b.PKPa, a.TC, b.TC), nil
}

func linearInterp(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}
