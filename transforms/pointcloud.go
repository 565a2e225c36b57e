package transforms

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/modality"
)

// PointCloudTransform reads an ascii ply or xyz file, centres the points, scales them into the unit
// sphere and resamples them to numPoints, giving float32 of shape [1, numPoints, 3].
func PointCloudTransform(numPoints int) TransformFunc {
	return func(_ context.Context, reference string) (*tensor.Dense, error) {
		b, err := readReference(modality.PointCloud, reference)
		if err != nil {
			return nil, err
		}
		var points [][3]float64
		if extension(reference) == ".ply" {
			points, err = parsePLY(b)
		} else {
			points, err = parseXYZ(b)
		}
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			return nil, errors.New("point cloud has no points")
		}
		normalizePoints(points)

		out := make([]float32, numPoints*3)
		for i := 0; i < numPoints; i++ {
			var p [3]float64
			if len(points) >= numPoints {
				p = points[i*len(points)/numPoints]
			} else {
				p = points[i%len(points)]
			}
			out[i*3], out[i*3+1], out[i*3+2] = float32(p[0]), float32(p[1]), float32(p[2])
		}
		return backends.NewFloat32Tensor(out, 1, numPoints, 3), nil
	}
}

func parsePLY(b []byte) ([][3]float64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "ply" {
		return nil, errors.New("missing ply magic")
	}
	vertexCount := -1
	inVertex := false
	var properties []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, fmt.Errorf("ply format %q is not supported, only ascii", strings.Join(fields[1:], " "))
			}
		case "element":
			inVertex = len(fields) == 3 && fields[1] == "vertex"
			if inVertex {
				count, err := strconv.Atoi(fields[2])
				if err != nil {
					return nil, fmt.Errorf("bad vertex count: %w", err)
				}
				vertexCount = count
			}
		case "property":
			if inVertex {
				properties = append(properties, fields[len(fields)-1])
			}
		case "end_header":
			return readPLYVertices(scanner, vertexCount, properties)
		}
	}
	return nil, errors.New("ply header has no end_header")
}

func readPLYVertices(scanner *bufio.Scanner, vertexCount int, properties []string) ([][3]float64, error) {
	if vertexCount < 0 {
		return nil, errors.New("ply has no vertex element")
	}
	columns := [3]int{-1, -1, -1}
	for i, name := range properties {
		switch name {
		case "x":
			columns[0] = i
		case "y":
			columns[1] = i
		case "z":
			columns[2] = i
		}
	}
	if columns[0] < 0 || columns[1] < 0 || columns[2] < 0 {
		return nil, errors.New("ply vertices have no x, y and z properties")
	}
	points := make([][3]float64, 0, vertexCount)
	for len(points) < vertexCount && scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < len(properties) {
			return nil, fmt.Errorf("vertex %d has %d values, expected %d", len(points), len(fields), len(properties))
		}
		var p [3]float64
		for axis, col := range columns {
			v, err := parseCoordinate(fields[col])
			if err != nil {
				return nil, fmt.Errorf("vertex %d: %w", len(points), err)
			}
			p[axis] = v
		}
		points = append(points, p)
	}
	if len(points) < vertexCount {
		return nil, fmt.Errorf("ply declares %d vertices but has %d", vertexCount, len(points))
	}
	return points, nil
}

// parseXYZ reads one point per line from whitespace or comma separated columns. Lines with fewer
// than three numeric values, such as a leading count, are skipped.
func parseXYZ(b []byte) ([][3]float64, error) {
	var points [][3]float64
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		if len(fields) < 3 {
			continue
		}
		var p [3]float64
		valid := true
		for axis := 0; axis < 3; axis++ {
			v, err := parseCoordinate(fields[axis])
			if errors.Is(err, errNonFinite) {
				return nil, fmt.Errorf("line %q: %w", line, err)
			}
			if err != nil {
				valid = false
				break
			}
			p[axis] = v
		}
		if valid {
			points = append(points, p)
		}
	}
	return points, scanner.Err()
}

var errNonFinite = errors.New("coordinate is not finite")

func parseCoordinate(field string) (float64, error) {
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s", errNonFinite, field)
	}
	return v, nil
}

func normalizePoints(points [][3]float64) {
	var centroid [3]float64
	for _, p := range points {
		for axis := range centroid {
			centroid[axis] += p[axis]
		}
	}
	for axis := range centroid {
		centroid[axis] /= float64(len(points))
	}
	radius := 0.0
	for i := range points {
		for axis := range centroid {
			points[i][axis] -= centroid[axis]
		}
		p := points[i]
		radius = math.Max(radius, math.Sqrt(p[0]*p[0]+p[1]*p[1]+p[2]*p[2]))
	}
	if radius == 0 {
		return
	}
	for i := range points {
		for axis := 0; axis < 3; axis++ {
			points[i][axis] /= radius
		}
	}
}
