package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/spatialomics/mview/pkg/view"
)

// loadExpression reads an intrinsic marker table from CSV. The first column
// holds the unit identifier, the remaining header cells name the markers.
func loadExpression(path string) (*view.Table, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s: need a header and at least one unit", path)
	}
	header := rows[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: need at least one marker column", path)
	}
	markers := header[1:]

	units := make([]string, 0, len(rows)-1)
	data := make([]float64, 0, (len(rows)-1)*len(markers))
	for line, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("%s line %d: %d cells, header has %d",
				path, line+2, len(row), len(header))
		}
		units = append(units, row[0])
		for _, cell := range row[1:] {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %q is not numeric", path, line+2, cell)
			}
			data = append(data, v)
		}
	}
	return view.NewTable(units, markers, data)
}

// loadCoordinates reads unit positions from CSV with columns unit,x,y[,z].
func loadCoordinates(path string) ([]string, [][]float64, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("%s: need a header and at least one unit", path)
	}
	dims := len(rows[0]) - 1
	if dims != 2 && dims != 3 {
		return nil, nil, fmt.Errorf("%s: need 2 or 3 coordinate columns, got %d", path, dims)
	}

	units := make([]string, 0, len(rows)-1)
	coords := make([][]float64, 0, len(rows)-1)
	for line, row := range rows[1:] {
		if len(row) != dims+1 {
			return nil, nil, fmt.Errorf("%s line %d: %d cells, header has %d",
				path, line+2, len(row), dims+1)
		}
		point := make([]float64, dims)
		for d := 0; d < dims; d++ {
			v, err := strconv.ParseFloat(row[d+1], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s line %d: %q is not numeric", path, line+2, row[d+1])
			}
			point[d] = v
		}
		units = append(units, row[0])
		coords = append(coords, point)
	}
	return units, coords, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}
