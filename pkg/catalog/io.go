package catalog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"srcfind/pkg/skymap"
)

// Text format: whitespace-separated columns in human-readable units
// (degrees, mK, mJy):
//
//	ra dec SNR amp1 damp1 ... ampN dampN flux1 dflux1 ... fluxN dfluxN npix status
//
// Binary format: little-endian tabular container in native units
// (radians, uK, Jy).

// WriteText writes the catalog in its text form.
func WriteText(w io.Writer, cat Catalog) error {
	if err := cat.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	ncomp := cat.NComp()
	fmt.Fprintf(bw, "#%9s %9s %8s", "ra", "dec", "SNR")
	for i := 0; i < ncomp; i++ {
		fmt.Fprintf(bw, " %9s %9s", fmt.Sprintf("amp%d", i+1), fmt.Sprintf("damp%d", i+1))
	}
	for i := 0; i < ncomp; i++ {
		fmt.Fprintf(bw, " %9s %9s", fmt.Sprintf("flux%d", i+1), fmt.Sprintf("dflux%d", i+1))
	}
	fmt.Fprintf(bw, " %5s %2s\n", "npix", "status")
	for _, e := range cat {
		fmt.Fprintf(bw, "%10.4f %9.4f %8.3f", e.RA/skymap.Degree, e.Dec/skymap.Degree, e.SN())
		for i := 0; i < ncomp; i++ {
			fmt.Fprintf(bw, " %9.4f %9.4f", e.Amp[i]/1e3, e.DAmp[i]/1e3)
		}
		for i := 0; i < ncomp; i++ {
			fmt.Fprintf(bw, " %9.4f %9.4f", e.Flux[i]*1e3, e.DFlux[i]*1e3)
		}
		fmt.Fprintf(bw, " %5d %2d\n", int(e.NPix), e.Status)
	}
	return bw.Flush()
}

// ReadText parses a catalog from its text form. The component count is
// inferred from the column count.
func ReadText(r io.Reader) (Catalog, error) {
	var cat Catalog
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<16), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		// ra dec snr + 4*ncomp + npix status
		if len(fields) < 9 || (len(fields)-5)%4 != 0 {
			return nil, fmt.Errorf("line %d: unexpected column count %d", line, len(fields))
		}
		ncomp := (len(fields) - 5) / 4
		vals := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			vals[i] = v
		}
		e := NewEntry(ncomp)
		e.RA = vals[0] * skymap.Degree
		e.Dec = vals[1] * skymap.Degree
		for i := 0; i < ncomp; i++ {
			e.Amp[i] = vals[3+2*i] * 1e3
			e.DAmp[i] = vals[4+2*i] * 1e3
			e.Flux[i] = vals[3+2*ncomp+2*i] / 1e3
			e.DFlux[i] = vals[4+2*ncomp+2*i] / 1e3
		}
		e.NPix = vals[3+4*ncomp]
		e.Status = int(vals[4+4*ncomp])
		cat = append(cat, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cat, cat.Validate()
}

const (
	binMagic   = 0x53524341 // "SRCA"
	binVersion = 1
)

// WriteBinary writes the catalog in its binary tabular form.
func WriteBinary(w io.Writer, cat Catalog) error {
	if err := cat.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	hdr := []uint32{binMagic, binVersion, uint32(len(cat)), uint32(cat.NComp())}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return err
	}
	ncomp := cat.NComp()
	row := make([]float64, 3+4*ncomp+1)
	for _, e := range cat {
		row[0] = e.RA
		row[1] = e.Dec
		off := 2
		off += copy(row[off:], e.Amp)
		off += copy(row[off:], e.DAmp)
		off += copy(row[off:], e.Flux)
		off += copy(row[off:], e.DFlux)
		row[off] = e.NPix
		row[off+1] = float64(e.Status)
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadBinary parses a catalog from its binary tabular form.
func ReadBinary(r io.Reader) (Catalog, error) {
	br := bufio.NewReader(r)
	hdr := make([]uint32, 4)
	if err := binary.Read(br, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != binMagic {
		return nil, fmt.Errorf("bad magic %#x", hdr[0])
	}
	if hdr[1] != binVersion {
		return nil, fmt.Errorf("unsupported version %d", hdr[1])
	}
	n, ncomp := int(hdr[2]), int(hdr[3])
	cat := make(Catalog, 0, n)
	row := make([]float64, 3+4*ncomp+1)
	for i := 0; i < n; i++ {
		if err := binary.Read(br, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("read row %d: %w", i, err)
		}
		e := NewEntry(ncomp)
		e.RA = row[0]
		e.Dec = row[1]
		off := 2
		off += copy(e.Amp, row[off:])
		off += copy(e.DAmp, row[off:])
		off += copy(e.Flux, row[off:])
		off += copy(e.DFlux, row[off:])
		e.NPix = row[off]
		e.Status = int(row[off+1])
		cat = append(cat, e)
	}
	return cat, nil
}

// WriteFile writes the catalog to path, choosing the binary form for a .cat
// extension and the text form otherwise.
func WriteFile(path string, cat Catalog) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if strings.HasSuffix(path, ".cat") {
		return WriteBinary(f, cat)
	}
	return WriteText(f, cat)
}

// ReadFile reads a catalog from path, choosing the form from the extension
// the same way WriteFile does.
func ReadFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.HasSuffix(path, ".cat") {
		return ReadBinary(f)
	}
	return ReadText(f)
}
