package workflow

import "github.com/zhouzirui/framebridge/internal/model/schema"

// Seed provides the built-in workflow types.
func Seed() []Type {
	return []Type{
		{
			BaseID:          "postprocess",
			DisplayName:     "Postprocess",
			OutputTypes:     schema.Single("IMAGE"),
			DefaultWorkflow: AutoWorkflow,
		},
		{
			BaseID:      "postprocess_image",
			DisplayName: "Postprocess image",
			Tabs:        []string{"txt2img", "img2img"},
			OutputTypes: schema.Ordered("IMAGE", "MASK"),
			InputTypes:  schema.Single("IMAGE"),
		},
		{
			BaseID:          "before_save_image",
			DisplayName:     "Before save image",
			OutputTypes:     schema.Single("IMAGE"),
			DefaultWorkflow: AutoWorkflow,
		},
		{
			BaseID:      "preprocess_latent",
			DisplayName: "Preprocess latent",
			Tabs:        []string{"img2img"},
			OutputTypes: schema.Named("samples", "LATENT"),
			InputTypes:  schema.Named("pixels", "IMAGE"),
		},
	}
}
