/*
 * LifeTrace
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package ocr

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// tessLanguages maps the pipeline's short language codes to tesseract
// traineddata names.
var tessLanguages = map[string]string{
	"ch": "chi_sim+eng",
	"en": "eng",
	"ja": "jpn+eng",
	"ko": "kor+eng",
}

// NewTesseract returns a recognizer backed by the tesseract CLI with the
// page segmentation tuned for full-screen captures. Construction probes
// the binary so a missing install fails fast instead of on every frame.
func NewTesseract(lang string) (Recognizer, error) {
	return newTesseract(lang, []string{"--psm", "3"})
}

// NewTesseractMinimal returns a recognizer with no extra configuration,
// used as the fallback when the tuned construction fails.
func NewTesseractMinimal(lang string) (Recognizer, error) {
	return newTesseract(lang, nil)
}

func newTesseract(lang string, extraArgs []string) (Recognizer, error) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		return nil, trace.NotFound("tesseract binary not found in PATH")
	}
	mapped, ok := tessLanguages[lang]
	if !ok {
		mapped = lang
	}
	return &tesseract{lang: mapped, extraArgs: extraArgs}, nil
}

type tesseract struct {
	lang      string
	extraArgs []string
}

func (t *tesseract) Recognize(ctx context.Context, img image.Image) ([]Line, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, trace.Wrap(err)
	}
	args := []string{"stdin", "stdout", "-l", t.lang}
	args = append(args, t.extraArgs...)
	args = append(args, "tsv")
	cmd := exec.CommandContext(ctx, "tesseract", args...)
	cmd.Stdin = &buf
	out, err := cmd.Output()
	if err != nil {
		return nil, trace.Wrap(err, "running tesseract")
	}
	return parseTSV(string(out)), nil
}

// parseTSV extracts word-level rows from tesseract's tsv output and
// groups them back into lines. Rows with conf -1 are layout markers, not
// words.
func parseTSV(out string) []Line {
	var lines []Line
	var cur strings.Builder
	var confSum float64
	var confN int
	lastKey := ""

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		lines = append(lines, Line{
			Text:       cur.String(),
			Confidence: confSum / float64(confN) / 100,
		})
		cur.Reset()
		confSum, confN = 0, 0
	}

	for i, row := range strings.Split(out, "\n") {
		if i == 0 {
			continue
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		// page, block, par and line numbers identify the visual line.
		key := strings.Join(cols[1:5], ":")
		if key != lastKey {
			flush()
			lastKey = key
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
		confSum += conf
		confN++
	}
	flush()
	return lines
}
