package supervisor

import (
	"fmt"
	"strconv"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// buildCommand renders a RenderJob into the external tool's fixed
// command-line grammar. The flag order mirrors the original renderer
// one-to-one so recorded render logs stay diffable against it.
func buildCommand(rendererPath string, job *farmtypes.RenderJob) []string {
	args := []string{rendererPath, "-r", job.ProjectFile}

	if job.Format != "" {
		args = append(args, "-f", job.Format)
	}
	if job.Options != "" {
		args = append(args, "-options", job.Options)
	}
	if job.OutputPath != "" {
		args = append(args, "-o", job.OutputPath)
	}
	if job.StartFrame != nil {
		args = append(args, "-start", strconv.Itoa(*job.StartFrame))
	}
	if job.EndFrame != nil {
		args = append(args, "-end", strconv.Itoa(*job.EndFrame))
	}

	if job.Verbose {
		args = append(args, "-v")
	} else if job.Quiet {
		args = append(args, "-q")
	}

	for _, f := range []struct {
		name string
		val  *bool
	}{
		{"multithread", job.Multithread},
		{"halfsize", job.Halfsize},
		{"halffps", job.Halffps},
		{"shapefx", job.Shapefx},
		{"layerfx", job.Layerfx},
		{"fewparticles", job.Fewparticles},
		{"aa", job.AA},
		{"extrasmooth", job.Extrasmooth},
		{"premultiply", job.Premultiply},
		{"ntscsafe", job.NTSCSafe},
		{"addformatsuffix", job.AddFormatSuffix},
		{"addlayercompsuffix", job.AddLayerCompSuffix},
		{"createfolderforlayercomps", job.CreateFolderForLayerComps},
	} {
		if f.val == nil {
			continue
		}
		args = append(args, fmt.Sprintf("-%s", f.name), yesNo(*f.val))
	}

	if job.Layercomp != "" {
		args = append(args, "-layercomp", job.Layercomp)
	}
	if job.VideoCodec != nil {
		args = append(args, "-videocodec", strconv.Itoa(*job.VideoCodec))
	}
	if job.Quality != nil {
		args = append(args, "-quality", strconv.Itoa(*job.Quality))
	}
	if job.Depth != nil {
		args = append(args, "-depth", strconv.Itoa(*job.Depth))
	}
	if job.LogFile != "" {
		args = append(args, "-log", job.LogFile)
	}

	return args
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
